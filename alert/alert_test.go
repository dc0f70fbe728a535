package alert

import (
	"fmt"
	"testing"
	"time"

	"freegames-notifier/pkg/promo"
	"freegames-notifier/window"
)

var base = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("evt-%d", n)
	}
}

func active(id int, title string, left time.Duration, now time.Time) promo.Active {
	end := now.Add(left)
	rec := promo.Record{ID: id, Title: title, Source: "Epic", End: &end}
	return window.Evaluate([]promo.Record{rec}, now).Active[0]
}

func kinds(events []promo.Event) map[promo.EventKind]int {
	out := map[promo.EventKind]int{}
	for _, e := range events {
		out[e.Kind]++
	}
	return out
}

func TestNewFiresOnce(t *testing.T) {
	s := NewState(Options{NewID: seqIDs()})

	total := 0
	for i := 0; i < 10; i++ {
		now := base.Add(time.Duration(i) * time.Minute)
		events := s.Observe([]promo.Active{active(1, "Alpha", 48*time.Hour, now)}, now)
		total += kinds(events)[promo.EventNew]
	}
	if total != 1 {
		t.Errorf("new events over 10 cycles = %d, want 1", total)
	}
	if !s.Seen(1) {
		t.Error("Seen(1) = false after announcement")
	}
}

func TestNewEventContent(t *testing.T) {
	s := NewState(Options{NewID: seqIDs()})
	a := active(7, "Alpha", 2*24*time.Hour+3*time.Hour+30*time.Minute, base)

	events := s.Observe([]promo.Active{a}, base)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Kind != promo.EventNew || e.RecordID != 7 || e.Title != "Alpha" || e.ID != "evt-1" || !e.At.Equal(base) {
		t.Errorf("event = %+v", e)
	}
	want := "Free on Epic for 2 days, 3 hours, and 30 minutes (ends Jan 12 15:30 UTC)"
	if e.Detail != want {
		t.Errorf("detail = %q, want %q", e.Detail, want)
	}
}

func TestThresholdFiresOncePerBucket(t *testing.T) {
	for _, mode := range []Mode{ModeCrossing, ModeExact} {
		t.Run(string(mode), func(t *testing.T) {
			s := NewState(Options{Mode: mode, NewID: seqIDs()})
			a := active(1, "Alpha", 2*time.Hour, base)

			first := s.Observe([]promo.Active{a}, base)
			if kinds(first)[promo.EventDeadline] != 1 {
				t.Fatalf("first evaluation deadline events = %d, want 1", kinds(first)[promo.EventDeadline])
			}
			second := s.Observe([]promo.Active{a}, base)
			if len(second) != 0 {
				t.Errorf("re-evaluation emitted %d events, want 0", len(second))
			}
			if !s.Fired(1, 2*time.Hour) {
				t.Error("Fired(1, 2h) = false")
			}
		})
	}
}

func TestExactModeMissesOffMinutePolls(t *testing.T) {
	s := NewState(Options{Mode: ModeExact, NewID: seqIDs()})

	// Polls land at 3h30m, 2h30m, 1h30m, 0h30m remaining: never on a whole hour.
	fired := 0
	for _, left := range []time.Duration{210, 150, 90, 30} {
		now := base
		events := s.Observe([]promo.Active{active(1, "Alpha", left*time.Minute, now)}, now)
		fired += kinds(events)[promo.EventDeadline]
	}
	if fired != 0 {
		t.Errorf("exact mode fired %d deadline events, want 0", fired)
	}
}

func TestCrossingModeFiresEachBucket(t *testing.T) {
	s := NewState(Options{NewID: seqIDs()})

	var thresholds []time.Duration
	for _, left := range []time.Duration{210, 150, 149, 90, 30, 29} {
		events := s.Observe([]promo.Active{active(1, "Alpha", left*time.Minute, base)}, base)
		for _, e := range events {
			if e.Kind == promo.EventDeadline {
				thresholds = append(thresholds, e.Threshold)
			}
		}
	}

	want := []time.Duration{3 * time.Hour, 2 * time.Hour, time.Hour}
	if fmt.Sprint(thresholds) != fmt.Sprint(want) {
		t.Errorf("fired thresholds = %v, want %v", thresholds, want)
	}
}

func TestCrossingModeSkipsStaleBuckets(t *testing.T) {
	s := NewState(Options{NewID: seqIDs()})

	// First seen with 40 minutes left, e.g. after a restart.
	events := s.Observe([]promo.Active{active(1, "Alpha", 40*time.Minute, base)}, base)
	if got := kinds(events); got[promo.EventNew] != 1 || got[promo.EventDeadline] != 1 {
		t.Fatalf("events = %v, want one new and one deadline", got)
	}
	if !s.Fired(1, time.Hour) || s.Fired(1, 2*time.Hour) || s.Fired(1, 3*time.Hour) {
		t.Error("only the 1h bucket should have fired")
	}
	if d := events[1].Detail; d != "1 hour or less left, ends Jan 10 12:40 UTC" {
		t.Errorf("deadline detail = %q", d)
	}
}

func TestNothingAboveLargestThreshold(t *testing.T) {
	s := NewState(Options{NewID: seqIDs()})
	s.Observe([]promo.Active{active(1, "Alpha", 3*time.Hour+time.Minute, base)}, base)
	for _, th := range s.Thresholds() {
		if s.Fired(1, th) {
			t.Errorf("bucket %v fired with 3h01m left", th)
		}
	}
}

func TestStatePerRecordIndependent(t *testing.T) {
	s := NewState(Options{NewID: seqIDs()})
	events := s.Observe([]promo.Active{
		active(1, "Alpha", 2*time.Hour, base),
		active(2, "Beta", 2*time.Hour, base),
	}, base)

	if got := kinds(events); got[promo.EventNew] != 2 || got[promo.EventDeadline] != 2 {
		t.Fatalf("events = %v, want 2 new and 2 deadline", got)
	}
	want := []struct {
		kind promo.EventKind
		id   int
	}{
		{promo.EventNew, 1}, {promo.EventNew, 2}, {promo.EventDeadline, 1}, {promo.EventDeadline, 2},
	}
	for i, w := range want {
		if events[i].Kind != w.kind || events[i].RecordID != w.id {
			t.Errorf("event %d = %s/%d, want %s/%d", i, events[i].Kind, events[i].RecordID, w.kind, w.id)
		}
	}
}

func TestCustomThresholds(t *testing.T) {
	s := NewState(Options{Thresholds: []time.Duration{30 * time.Minute, 30 * time.Minute, 6 * time.Hour}, NewID: seqIDs()})
	if got := s.Thresholds(); len(got) != 2 || got[0] != 30*time.Minute || got[1] != 6*time.Hour {
		t.Fatalf("Thresholds() = %v", got)
	}

	events := s.Observe([]promo.Active{active(1, "Alpha", 20*time.Minute, base)}, base)
	if len(events) != 2 || events[1].Threshold != 30*time.Minute {
		t.Errorf("events = %+v, want 30m deadline", events)
	}
	if d := events[1].Detail; d != "30 minutes or less left, ends Jan 10 12:20 UTC" {
		t.Errorf("detail = %q", d)
	}
}
