// Package poll runs the consumer loop: it re-reads the ledger, evaluates
// active promotions, and dispatches alert events.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"freegames-notifier/alert"
	"freegames-notifier/ledger"
	"freegames-notifier/pkg/promo"
	"freegames-notifier/window"
)

const (
	defaultInterval = 60 * time.Second
	maxRecentEvents = 20 // Events kept for the status view
)

// Ledger reads the full ledger snapshot.
type Ledger interface {
	ReadAll(ctx context.Context) (*ledger.Snapshot, error)
}

// Dispatcher delivers events to subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []promo.Event) error
}

// Options configures a Monitor.
type Options struct {
	Trigger  <-chan struct{} // Optional; each receive runs an extra check
	Now      func() time.Time
	Interval time.Duration
}

// Cycle is the outcome of one consumer check.
type Cycle struct {
	At      time.Time                    `json:"at"`
	Active  []promo.Active               `json:"active"`
	Expired []promo.Record               `json:"-"`
	Undated []*promo.MissingEndDateError `json:"-"`
	Events  []promo.Event                `json:"events"`
	Skipped int                          `json:"skipped"`
}

// Monitor owns the alert state and runs checks against the ledger.
type Monitor struct {
	ledger     Ledger
	state      *alert.State
	dispatcher Dispatcher
	logger     *slog.Logger
	trigger    <-chan struct{}
	now        func() time.Time
	interval   time.Duration

	mu     sync.RWMutex
	view   *Cycle
	recent []promo.Event
}

// New creates a new poll monitor.
func New(store Ledger, state *alert.State, dispatcher Dispatcher, logger *slog.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		ledger:     store,
		state:      state,
		dispatcher: dispatcher,
		logger:     logger,
		trigger:    opts.Trigger,
		now:        opts.Now,
		interval:   opts.Interval,
	}
}

// Check runs one evaluation cycle at now. Only a failure to read the ledger
// at all is returned; delivery failures are logged and the cycle completes.
// Check must not be called concurrently with Run.
func (m *Monitor) Check(ctx context.Context, now time.Time) (*Cycle, error) {
	snap, err := m.ledger.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	res := window.Evaluate(snap.Records, now)
	for _, undated := range res.Undated {
		m.logger.Warn("Record has no end date", "id", undated.ID, "title", undated.Title)
	}

	events := m.state.Observe(res.Active, now)
	cycle := &Cycle{
		At:      now,
		Active:  res.Active,
		Expired: res.Expired,
		Undated: res.Undated,
		Events:  events,
		Skipped: len(snap.Skipped),
	}
	m.publish(cycle)

	m.logger.Info("Ledger check completed",
		"records", len(snap.Records),
		"active", len(res.Active),
		"expired", len(res.Expired),
		"undated", len(res.Undated),
		"skipped", len(snap.Skipped),
		"events", len(events))

	if len(events) == 0 {
		return cycle, nil
	}
	for _, e := range events {
		m.logger.Info("Alert event",
			"event_id", e.ID,
			"kind", e.Kind,
			"record_id", e.RecordID,
			"title", e.Title,
			"detail", e.Detail)
	}
	if m.dispatcher != nil {
		if err := m.dispatcher.Dispatch(ctx, events); err != nil {
			// Events stay fired; a failed delivery is not retried on the next cycle.
			m.logger.Error("Event dispatch failed", "events", len(events), "error", err)
		}
	}
	return cycle, nil
}

// Run checks immediately, then on every tick and trigger, until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Consumer loop started", "interval", m.interval.String())

	m.runOnce(ctx, "startup")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Consumer loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			m.runOnce(ctx, "tick")
		case _, ok := <-m.trigger:
			if !ok {
				m.trigger = nil
				continue
			}
			m.runOnce(ctx, "trigger")
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context, reason string) {
	if _, err := m.Check(ctx, m.now()); err != nil {
		m.logger.Error("Ledger check failed", "reason", reason, "error", err)
	}
}

func (m *Monitor) publish(c *Cycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.view = c
	m.recent = append(m.recent, c.Events...)
	if len(m.recent) > maxRecentEvents {
		m.recent = slices.Clone(m.recent[len(m.recent)-maxRecentEvents:])
	}
}

// View returns the most recent cycle, or nil before the first check.
// Callers must not modify the returned value.
func (m *Monitor) View() *Cycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Recent returns the latest dispatched events, oldest first.
func (m *Monitor) Recent() []promo.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.recent)
}

// Find returns the active record with id from the latest view.
func (m *Monitor) Find(id int) (promo.Active, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.view == nil {
		return promo.Active{}, false
	}
	for _, a := range m.view.Active {
		if a.ID == id {
			return a, true
		}
	}
	return promo.Active{}, false
}
