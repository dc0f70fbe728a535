// Package alert decides which notifications to emit as promotions appear
// and approach their deadlines.
package alert

import (
	"fmt"
	"slices"
	"time"

	"freegames-notifier/pkg/promo"

	"github.com/google/uuid"
)

// Mode selects how deadline thresholds are matched.
type Mode string

const (
	// ModeCrossing fires when remaining time has dropped to or below a
	// threshold, whatever the poll cadence. Only the tightest crossed
	// threshold fires, so a late poll does not emit stale larger buckets.
	ModeCrossing Mode = "crossing"
	// ModeExact fires only when remaining time is exactly a whole number of
	// hours equal to a threshold. A poll that misses that minute misses the alert.
	ModeExact Mode = "exact"
)

// DefaultThresholds are the remaining-time buckets that trigger a deadline alert.
var DefaultThresholds = []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour}

// Options configures a State.
type Options struct {
	NewID      func() string
	Mode       Mode
	Thresholds []time.Duration
}

type firedKey struct {
	threshold time.Duration
	id        int
}

// State tracks which records have been announced and which deadline buckets
// have fired. Both sets only grow. A State is owned by a single consumer
// loop and is not safe for concurrent use.
type State struct {
	seen       map[int]struct{}
	fired      map[firedKey]struct{}
	newID      func() string
	mode       Mode
	thresholds []time.Duration
}

// NewState creates an empty state.
func NewState(opts Options) *State {
	thresholds := slices.Clone(opts.Thresholds)
	if len(thresholds) == 0 {
		thresholds = slices.Clone(DefaultThresholds)
	}
	slices.Sort(thresholds)
	thresholds = slices.Compact(thresholds)

	mode := opts.Mode
	if mode == "" {
		mode = ModeCrossing
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &State{
		seen:       make(map[int]struct{}),
		fired:      make(map[firedKey]struct{}),
		newID:      newID,
		mode:       mode,
		thresholds: thresholds,
	}
}

// Observe runs one evaluation cycle over the current active set and returns
// the events it triggers: every "new" event first, then the "deadline"
// events, each group in ledger order. A record yields at most one "new"
// event for the life of the State and at most one "deadline" event per
// threshold.
func (s *State) Observe(active []promo.Active, now time.Time) []promo.Event {
	var events, deadlines []promo.Event
	for _, a := range active {
		if _, ok := s.seen[a.ID]; !ok {
			s.seen[a.ID] = struct{}{}
			events = append(events, s.event(promo.EventNew, a, 0, now, newDetail(a)))
		}

		threshold, ok := s.bucket(a.Remaining)
		if !ok {
			continue
		}
		key := firedKey{id: a.ID, threshold: threshold}
		if _, done := s.fired[key]; done {
			continue
		}
		s.fired[key] = struct{}{}
		deadlines = append(deadlines, s.event(promo.EventDeadline, a, threshold, now, deadlineDetail(a, threshold)))
	}
	return append(events, deadlines...)
}

// Seen reports whether a "new" event has been emitted for id.
func (s *State) Seen(id int) bool {
	_, ok := s.seen[id]
	return ok
}

// Fired reports whether the deadline event for (id, threshold) has been emitted.
func (s *State) Fired(id int, threshold time.Duration) bool {
	_, ok := s.fired[firedKey{id: id, threshold: threshold}]
	return ok
}

// Thresholds returns the configured buckets in ascending order.
func (s *State) Thresholds() []time.Duration {
	return slices.Clone(s.thresholds)
}

func (s *State) bucket(rem promo.Remaining) (time.Duration, bool) {
	switch s.mode {
	case ModeExact:
		if rem.Days != 0 || rem.Minutes != 0 {
			return 0, false
		}
		left := time.Duration(rem.Hours) * time.Hour
		if slices.Contains(s.thresholds, left) {
			return left, true
		}
		return 0, false
	default:
		left := rem.Duration()
		for _, t := range s.thresholds {
			if left <= t {
				return t, true
			}
		}
		return 0, false
	}
}

func (s *State) event(kind promo.EventKind, a promo.Active, threshold time.Duration, now time.Time, detail string) promo.Event {
	return promo.Event{
		ID:        s.newID(),
		Kind:      kind,
		RecordID:  a.ID,
		Title:     a.Title,
		Detail:    detail,
		ImageURL:  a.ImageURL,
		Threshold: threshold,
		At:        now,
	}
}

func newDetail(a promo.Active) string {
	source := a.Source
	if source == "" {
		source = "an unknown store"
	}
	return fmt.Sprintf("Free on %s for %s (ends %s)", source, a.Remaining, a.End.UTC().Format("Jan 2 15:04 UTC"))
}

func deadlineDetail(a promo.Active, threshold time.Duration) string {
	return fmt.Sprintf("%s or less left, ends %s", formatThreshold(threshold), a.End.UTC().Format("Jan 2 15:04 UTC"))
}

func formatThreshold(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
