package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"freegames-notifier/ledger"
	"freegames-notifier/pkg/promo"
)

// Feed supplies candidate promotions from the source listing.
type Feed interface {
	Fetch(ctx context.Context) ([]promo.Candidate, error)
}

// Store is the ledger access the runner needs.
type Store interface {
	ReadTail(ctx context.Context, n int) (*ledger.Snapshot, error)
	Append(ctx context.Context, records []promo.Record) (int, error)
	Location() string
}

// Result summarises one ingestion run.
type Result struct {
	Appended   []promo.Record
	Rejected   []Rejected
	Candidates int
}

// Duplicates counts candidates rejected as duplicate titles.
func (r *Result) Duplicates() int {
	n := 0
	for _, rej := range r.Rejected {
		if rej.Reason == ReasonDuplicate {
			n++
		}
	}
	return n
}

// Runner performs ingestion runs. Runs are serialised so two triggers in the
// same process cannot hand out the same ids.
type Runner struct {
	feed   Feed
	store  Store
	logger *slog.Logger
	now    func() time.Time
	window int
	mu     sync.Mutex
}

// NewRunner creates an ingestion runner. window is the number of trailing
// ledger records checked for duplicates; 0 or less checks the whole ledger.
func NewRunner(feed Feed, store Store, window int, logger *slog.Logger) *Runner {
	return &Runner{
		feed:   feed,
		store:  store,
		logger: logger,
		now:    time.Now,
		window: window,
	}
}

// Run fetches the feed, deduplicates against the ledger tail, and appends the
// new records. A feed failure returns a *promo.FeedUnavailableError and
// leaves the ledger untouched.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	r.logger.Info("Ingestion run starting", "ledger", r.store.Location(), "window", r.window)

	candidates, err := r.feed.Fetch(ctx)
	if err != nil {
		if !promo.IsFeedUnavailable(err) {
			err = &promo.FeedUnavailableError{Err: err}
		}
		r.logger.Warn("Feed unavailable, ledger untouched", "error", err)
		return nil, err
	}

	snap, err := r.store.ReadTail(ctx, r.window)
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	accepted, rejected := Assign(snap.Records, candidates, r.now())
	for _, rej := range rejected {
		r.logger.Debug("Candidate rejected", "title", rej.Candidate.Title, "reason", rej.Reason)
	}

	if _, err := r.store.Append(ctx, accepted); err != nil {
		return nil, fmt.Errorf("append ledger: %w", err)
	}

	result := &Result{
		Candidates: len(candidates),
		Appended:   accepted,
		Rejected:   rejected,
	}

	r.logger.Info("Ingestion run completed",
		"ledger", r.store.Location(),
		"candidates", result.Candidates,
		"appended", len(result.Appended),
		"duplicates", result.Duplicates(),
		"window_records", len(snap.Records),
		"duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
