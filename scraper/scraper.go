// Package scraper fetches the deals listing and extracts free game promotions.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"freegames-notifier/ledger"
	"freegames-notifier/pkg/promo"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultFeedURL lists deals priced at zero with a minimum rating.
const DefaultFeedURL = "https://gg.deals/deals/?maxPrice=0&minRating=3"

const (
	dealSelector     = "div.d-flex.flex-wrap.relative.list-items.shadow-box-small-lighter"
	titleSelector    = "a.game-info-title.title"
	endSelector      = "time.timesince"
	pictureSelector  = "picture.game-picture source[srcset]"
	drmIconClassPref = "svg-icon-drm-"
)

// HTTPStatusError is a non-OK response from the listing.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// IsBlocked checks if an error is a response that retrying will not fix.
func IsBlocked(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.Status == http.StatusForbidden || statusErr.Status == http.StatusNotFound
}

// Scraper fetches and parses the deals listing.
type Scraper struct {
	client  *http.Client
	logger  *slog.Logger
	feedURL string
}

// New creates a new scraper. An empty feedURL uses DefaultFeedURL.
func New(client *http.Client, feedURL string, logger *slog.Logger) *Scraper {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	return &Scraper{
		client:  client,
		logger:  logger,
		feedURL: feedURL,
	}
}

// Fetch returns the promotions currently on the listing, in page order.
// Any failure is returned as a *promo.FeedUnavailableError.
func (s *Scraper) Fetch(ctx context.Context) ([]promo.Candidate, error) {
	var candidates []promo.Candidate

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", s.feedURL,
				"purpose", "fetch_deals")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Browser-like headers; the listing serves a challenge page to bare clients.
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")
			req.Header.Set("Cache-Control", "max-age=0")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", s.feedURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", s.feedURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: s.feedURL, Status: resp.StatusCode}
			}

			candidates, err = s.parse(resp.Body)
			if err != nil {
				s.logger.Error("Failed to parse HTML", "error", err)
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsBlocked(err)
		}),
	)
	if err != nil {
		return nil, &promo.FeedUnavailableError{URL: s.feedURL, Err: err}
	}

	s.logger.Info("Deals listing parsed", "url", s.feedURL, "candidates", len(candidates))
	return candidates, nil
}

func (s *Scraper) parse(body io.Reader) ([]promo.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	base, err := url.Parse(s.feedURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}

	var candidates []promo.Candidate
	doc.Find(dealSelector).Each(func(i int, deal *goquery.Selection) {
		title := strings.TrimSpace(deal.Find(titleSelector).First().Text())
		if title == "" {
			s.logger.Debug("Deal without title skipped", "index", i)
			return
		}

		c := promo.Candidate{
			Title:    title,
			Source:   launcher(deal),
			ImageURL: imageURL(deal, base),
		}

		raw, ok := deal.Find(endSelector).First().Attr("datetime")
		if ok && strings.TrimSpace(raw) != "" {
			end, err := ledger.ParseTime(strings.TrimSpace(raw))
			if err != nil {
				s.logger.Warn("Deal end date unparseable", "title", title, "datetime", raw, "error", err)
			} else {
				c.End = &end
			}
		}
		if c.End == nil {
			s.logger.Warn("Deal has no end date", "title", title)
		}

		candidates = append(candidates, c)
	})

	if len(candidates) == 0 {
		s.logger.Warn("No deals found on listing", "url", s.feedURL, "page_title", strings.TrimSpace(doc.Find("title").First().Text()))
	}
	return candidates, nil
}

// launcher derives the store name from the DRM icon class, e.g.
// "svg-icon-drm-epic-games" becomes "Epic Games".
func launcher(deal *goquery.Selection) string {
	name := "Unknown"
	deal.Find("svg").EachWithBreak(func(_ int, svg *goquery.Selection) bool {
		class, _ := svg.Attr("class")
		for _, c := range strings.Fields(class) {
			if !strings.HasPrefix(c, drmIconClassPref) {
				continue
			}
			words := strings.Split(strings.TrimPrefix(c, drmIconClassPref), "-")
			for i, w := range words {
				if w != "" {
					words[i] = strings.ToUpper(w[:1]) + w[1:]
				}
			}
			if joined := strings.TrimSpace(strings.Join(words, " ")); joined != "" {
				name = joined
			}
			return false
		}
		return true
	})
	return name
}

// imageURL returns the first .jpg candidate from the deal's picture srcset.
func imageURL(deal *goquery.Selection, base *url.URL) string {
	var found string
	deal.Find(pictureSelector).EachWithBreak(func(_ int, src *goquery.Selection) bool {
		srcset, _ := src.Attr("srcset")
		for _, entry := range strings.Split(srcset, ",") {
			fields := strings.Fields(entry)
			if len(fields) == 0 || !strings.HasSuffix(strings.ToLower(fields[0]), ".jpg") {
				continue
			}
			ref, err := url.Parse(fields[0])
			if err != nil {
				continue
			}
			found = base.ResolveReference(ref).String()
			return false
		}
		return true
	})
	return found
}
