package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"freegames-notifier/alert"
	"freegames-notifier/ledger"
	"freegames-notifier/pkg/promo"
)

var base = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLedger struct {
	err     error
	records []promo.Record
	mu      sync.Mutex
}

func (f *fakeLedger) ReadAll(context.Context) (*ledger.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Snapshot{
		Records: append([]promo.Record(nil), f.records...),
		Skipped: []*promo.MalformedRecordError{{Line: 4, Reason: "bad id"}},
	}, nil
}

func (f *fakeLedger) add(rec promo.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

type fakeDispatcher struct {
	err     error
	batches chan []promo.Event
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{batches: make(chan []promo.Event, 16)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, events []promo.Event) error {
	f.batches <- events
	return f.err
}

func record(id int, title string, end time.Time) promo.Record {
	return promo.Record{ID: id, Title: title, Source: "Steam", Start: base.Add(-time.Hour), End: &end}
}

func TestCheck(t *testing.T) {
	led := &fakeLedger{records: []promo.Record{
		record(1, "Expired", base.Add(-time.Minute)),
		record(2, "Alpha", base.Add(3*time.Hour+30*time.Minute)),
		{ID: 3, Title: "Undated", Start: base},
		record(4, "Beta", base.Add(2*24*time.Hour)),
	}}
	disp := newFakeDispatcher()
	m := New(led, alert.NewState(alert.Options{}), disp, testLogger(), Options{})

	if m.View() != nil {
		t.Fatal("View() before first check should be nil")
	}

	cycle, err := m.Check(context.Background(), base)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(cycle.Active) != 2 || cycle.Active[0].ID != 2 || cycle.Active[1].ID != 4 {
		t.Errorf("active = %+v", cycle.Active)
	}
	if got := cycle.Active[0].Remaining; got != (promo.Remaining{Hours: 3, Minutes: 30}) {
		t.Errorf("remaining = %+v, want 0d 3h 30m", got)
	}
	if len(cycle.Expired) != 1 || len(cycle.Undated) != 1 || cycle.Skipped != 1 {
		t.Errorf("expired=%d undated=%d skipped=%d", len(cycle.Expired), len(cycle.Undated), cycle.Skipped)
	}
	if len(cycle.Events) != 2 {
		t.Fatalf("events = %+v, want two new events", cycle.Events)
	}
	if got := <-disp.batches; len(got) != 2 {
		t.Errorf("dispatched %d events, want 2", len(got))
	}
	if m.View() != cycle {
		t.Error("View() does not return the latest cycle")
	}
	if a, ok := m.Find(4); !ok || a.Title != "Beta" {
		t.Errorf("Find(4) = %+v, %v", a, ok)
	}
	if _, ok := m.Find(1); ok {
		t.Error("Find(1) found an expired record")
	}

	again, err := m.Check(context.Background(), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Check() error = %v", err)
	}
	if len(again.Events) != 0 {
		t.Errorf("second check emitted %d events, want 0", len(again.Events))
	}
	if len(disp.batches) != 0 {
		t.Error("dispatcher called with no events")
	}
	if got := m.Recent(); len(got) != 2 {
		t.Errorf("Recent() = %d events, want 2", len(got))
	}
}

func TestCheckDispatchFailureKeepsEventsFired(t *testing.T) {
	led := &fakeLedger{records: []promo.Record{record(1, "Alpha", base.Add(90*time.Minute))}}
	disp := newFakeDispatcher()
	disp.err = errors.New("smtp down")
	m := New(led, alert.NewState(alert.Options{}), disp, testLogger(), Options{})

	cycle, err := m.Check(context.Background(), base)
	if err != nil {
		t.Fatalf("Check() error = %v, dispatch failure should not abort", err)
	}
	if len(cycle.Events) != 2 {
		t.Errorf("events = %d, want new and 2h deadline", len(cycle.Events))
	}

	again, err := m.Check(context.Background(), base)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Events) != 0 {
		t.Errorf("failed events re-emitted: %+v", again.Events)
	}
}

func TestCheckReadFailure(t *testing.T) {
	led := &fakeLedger{err: errors.New("bucket unreachable")}
	m := New(led, alert.NewState(alert.Options{}), newFakeDispatcher(), testLogger(), Options{})

	if _, err := m.Check(context.Background(), base); err == nil {
		t.Fatal("Check() succeeded on read failure")
	}
	if m.View() != nil {
		t.Error("view published on read failure")
	}
}

func TestCheckAgainstLedgerFile(t *testing.T) {
	store := ledger.New(nil, "", "", filepath.Join(t.TempDir(), "free_games.csv"), testLogger())
	end := base.Add(time.Hour)
	if _, err := store.Append(context.Background(), []promo.Record{
		{ID: 1, Title: "Alpha", Source: "Epic Games", Start: base, End: &end},
	}); err != nil {
		t.Fatal(err)
	}

	m := New(store, alert.NewState(alert.Options{}), nil, testLogger(), Options{})
	cycle, err := m.Check(context.Background(), base)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(cycle.Active) != 1 || cycle.Active[0].Remaining.Hours != 1 {
		t.Errorf("active = %+v", cycle.Active)
	}
}

func TestRunChecksOnTrigger(t *testing.T) {
	led := &fakeLedger{records: []promo.Record{record(1, "Alpha", base.Add(48*time.Hour))}}
	disp := newFakeDispatcher()
	trigger := make(chan struct{})
	m := New(led, alert.NewState(alert.Options{}), disp, testLogger(), Options{
		Interval: time.Hour,
		Trigger:  trigger,
		Now:      func() time.Time { return base },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case got := <-disp.batches:
		if len(got) != 1 || got[0].RecordID != 1 {
			t.Errorf("startup events = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no startup check")
	}

	led.add(record(2, "Beta", base.Add(48*time.Hour)))
	trigger <- struct{}{}

	select {
	case got := <-disp.batches:
		if len(got) != 1 || got[0].RecordID != 2 {
			t.Errorf("triggered events = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not run a check")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
