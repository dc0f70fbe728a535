// Package ingest turns source feed candidates into new ledger records.
package ingest

import (
	"strings"
	"time"

	"freegames-notifier/pkg/promo"
)

// DefaultWindow is how many trailing ledger records are checked for
// duplicate titles.
const DefaultWindow = 5

// Rejection reasons.
const (
	ReasonDuplicate = "duplicate title"
	ReasonNoTitle   = "missing title"
)

// Rejected is a candidate that was not accepted, with the reason.
type Rejected struct {
	Candidate promo.Candidate
	Reason    string
}

// Assign decides which candidates are new relative to window (the recent
// tail of the ledger) and gives each accepted candidate the next id.
//
// Ids continue from the largest id in window, so accepted records are
// contiguous from maxID+1 in candidate order. A candidate is a duplicate if
// its title matches a title in window or a title accepted earlier in the
// same call. Titles that only appear in the ledger before window are not
// checked and will be accepted again.
func Assign(window []promo.Record, candidates []promo.Candidate, now time.Time) ([]promo.Record, []Rejected) {
	maxID := 0
	titles := make(map[string]struct{}, len(window)+len(candidates))
	for i := range window {
		if window[i].ID > maxID {
			maxID = window[i].ID
		}
		titles[window[i].Title] = struct{}{}
	}

	// The source listing is refreshed at hour resolution.
	start := now.UTC().Truncate(time.Hour)

	var accepted []promo.Record
	var rejected []Rejected
	for _, c := range candidates {
		if strings.TrimSpace(c.Title) == "" {
			rejected = append(rejected, Rejected{Candidate: c, Reason: ReasonNoTitle})
			continue
		}
		if _, dup := titles[c.Title]; dup {
			rejected = append(rejected, Rejected{Candidate: c, Reason: ReasonDuplicate})
			continue
		}

		maxID++
		titles[c.Title] = struct{}{}
		rec := promo.Record{
			ID:       maxID,
			Title:    c.Title,
			Source:   c.Source,
			Start:    start,
			ImageURL: c.ImageURL,
		}
		if c.End != nil {
			end := c.End.UTC()
			rec.End = &end
		}
		accepted = append(accepted, rec)
	}

	return accepted, rejected
}
