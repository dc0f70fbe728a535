// Package email delivers alert digests to subscribers via pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"freegames-notifier/pkg/promo"

	"github.com/codeGROOVE-dev/retry"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Subscribers lists and updates digest recipients.
type Subscribers interface {
	List(ctx context.Context) ([]*promo.Subscriber, error)
	Save(ctx context.Context, sub *promo.Subscriber) error
}

// Sender turns alert events into digest emails.
type Sender struct {
	provider    Provider
	subscribers Subscribers
	logger      *slog.Logger
	now         func() time.Time
	baseURL     string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, subscribers Subscribers, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider:    provider,
		subscribers: subscribers,
		logger:      logger,
		now:         time.Now,
		baseURL:     baseURL,
	}
}

// Dispatch sends one digest of events to every subscriber. A failure for one
// subscriber does not stop delivery to the rest; all failures are returned joined.
func (s *Sender) Dispatch(ctx context.Context, events []promo.Event) error {
	if len(events) == 0 {
		return nil
	}

	subs, err := s.subscribers.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(subs) == 0 {
		s.logger.Info("No subscribers, digest not sent", "events", len(events))
		return nil
	}

	subject := digestSubject(events)
	var errs []error
	sent := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		s.logger.Info("Sending digest email", "to", sub.Email, "subject", subject, "events", len(events))
		if err := s.provider.Send(ctx, sub.Email, subject, s.formatDigestBody(sub, events)); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", sub.Email, err))
			continue
		}
		sent++

		sub.LastNotifiedAt = s.now().UTC()
		sub.Notified += len(events)
		if err := s.subscribers.Save(ctx, sub); err != nil {
			s.logger.Warn("Failed to record delivery", "email", sub.Email, "error", err)
		}
	}

	s.logger.Info("Digest dispatch completed", "subscribers", len(subs), "sent", sent, "failed", len(subs)-sent)
	return errors.Join(errs...)
}

// SendWelcome confirms a new subscription.
func (s *Sender) SendWelcome(ctx context.Context, sub *promo.Subscriber, ip, userAgent string) error {
	subject := "Free game alerts confirmed"
	s.logger.Info("Sending welcome email", "to", sub.Email, "subject", subject)
	return s.provider.Send(ctx, sub.Email, subject, s.formatWelcomeBody(sub, ip, userAgent))
}

func digestSubject(events []promo.Event) string {
	if len(events) == 1 {
		e := events[0]
		if e.Kind == promo.EventNew {
			return "New free game: " + e.Title
		}
		return "Ending soon: " + e.Title
	}
	return fmt.Sprintf("%d free game alerts", len(events))
}

// sendWithRetry wraps a provider call with the retry policy shared by all providers.
func sendWithRetry(ctx context.Context, logger *slog.Logger, provider string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	)
}
