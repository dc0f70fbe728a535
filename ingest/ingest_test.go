package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"freegames-notifier/ledger"
	"freegames-notifier/pkg/promo"
)

var testNow = time.Date(2024, 1, 10, 12, 34, 56, 0, time.UTC)

func candidates(titles ...string) []promo.Candidate {
	end := testNow.Add(48 * time.Hour)
	out := make([]promo.Candidate, 0, len(titles))
	for _, title := range titles {
		out = append(out, promo.Candidate{Title: title, Source: "Epic", End: &end})
	}
	return out
}

func windowOf(firstID int, titles ...string) []promo.Record {
	out := make([]promo.Record, 0, len(titles))
	for i, title := range titles {
		out = append(out, promo.Record{ID: firstID + i, Title: title, Start: testNow})
	}
	return out
}

func titlesOf(recs []promo.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Title)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAssign(t *testing.T) {
	tests := []struct {
		name       string
		window     []promo.Record
		candidates []promo.Candidate
		wantTitles []string
		wantFirst  int
		rejected   int
	}{
		{
			name:       "empty window starts at one",
			candidates: candidates("A", "B"),
			wantTitles: []string{"A", "B"},
			wantFirst:  1,
		},
		{
			name:       "batch internal duplicate keeps first",
			candidates: candidates("A", "A"),
			wantTitles: []string{"A"},
			wantFirst:  1,
			rejected:   1,
		},
		{
			name:       "window duplicate skipped",
			window:     windowOf(10, "X", "Y"),
			candidates: candidates("Y", "Z"),
			wantTitles: []string{"Z"},
			wantFirst:  12,
			rejected:   1,
		},
		{
			// Ledger [A..F] with window [B..F]: A is older than the window and is re-admitted.
			name:       "title older than window re-admitted",
			window:     windowOf(2, "B", "C", "D", "E", "F"),
			candidates: candidates("A"),
			wantTitles: []string{"A"},
			wantFirst:  7,
		},
		{
			name:       "titles are case sensitive",
			window:     windowOf(1, "Portal"),
			candidates: candidates("portal", "Portal"),
			wantTitles: []string{"portal"},
			wantFirst:  2,
			rejected:   1,
		},
		{
			name:       "empty title rejected",
			candidates: candidates("", "  ", "B"),
			wantTitles: []string{"B"},
			wantFirst:  1,
			rejected:   2,
		},
		{
			name:       "max id taken from window even if unordered",
			window:     []promo.Record{{ID: 9, Title: "P"}, {ID: 4, Title: "Q"}},
			candidates: candidates("R"),
			wantTitles: []string{"R"},
			wantFirst:  10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rejected := Assign(tt.window, tt.candidates, testNow)
			if !equal(titlesOf(got), tt.wantTitles) {
				t.Fatalf("Assign() titles = %v, want %v", titlesOf(got), tt.wantTitles)
			}
			for i, rec := range got {
				if rec.ID != tt.wantFirst+i {
					t.Errorf("record %d id = %d, want %d", i, rec.ID, tt.wantFirst+i)
				}
			}
			if len(rejected) != tt.rejected {
				t.Errorf("rejected = %d, want %d", len(rejected), tt.rejected)
			}
		})
	}
}

func TestAssignStampsStartAndKeepsEnd(t *testing.T) {
	cands := candidates("A")
	cands = append(cands, promo.Candidate{Title: "No End", Source: "GOG"})

	got, _ := Assign(nil, cands, testNow)
	if len(got) != 2 {
		t.Fatalf("Assign() = %d records, want 2", len(got))
	}
	wantStart := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	if !got[0].Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", got[0].Start, wantStart)
	}
	if !got[0].HasEnd() || !got[0].End.Equal(*cands[0].End) {
		t.Errorf("end = %v, want %v", got[0].End, cands[0].End)
	}
	if got[1].HasEnd() {
		t.Errorf("candidate without end produced end %v", got[1].End)
	}
}

type fakeFeed struct {
	err        error
	candidates []promo.Candidate
	calls      int
}

func (f *fakeFeed) Fetch(context.Context) ([]promo.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

func newTestRunner(t *testing.T, feed Feed, window int) (*Runner, *ledger.Store, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "free_games.csv")
	store := ledger.New(nil, "", "", path, logger)
	r := NewRunner(feed, store, window, logger)
	r.now = func() time.Time { return testNow }
	return r, store, path
}

func TestRunIdempotent(t *testing.T) {
	feed := &fakeFeed{candidates: candidates("A", "B", "C")}
	r, store, _ := newTestRunner(t, feed, DefaultWindow)
	ctx := context.Background()

	first, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if len(first.Appended) != 3 {
		t.Fatalf("first Run() appended %d, want 3", len(first.Appended))
	}

	second, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(second.Appended) != 0 || second.Duplicates() != 3 {
		t.Errorf("second Run() appended %d, duplicates %d, want 0 and 3", len(second.Appended), second.Duplicates())
	}

	snap, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(snap.Records) != 3 {
		t.Errorf("ledger has %d records, want 3", len(snap.Records))
	}
}

func TestRunIDsMonotonicAcrossBatches(t *testing.T) {
	feed := &fakeFeed{}
	r, store, _ := newTestRunner(t, feed, DefaultWindow)
	ctx := context.Background()

	batches := [][]string{{"A", "B"}, {"B", "C", "D"}, {"E"}, {"F", "G"}, {"A"}, {}}
	for _, b := range batches {
		feed.candidates = candidates(b...)
		if _, err := r.Run(ctx); err != nil {
			t.Fatalf("Run(%v) error = %v", b, err)
		}
	}

	snap, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	for i, rec := range snap.Records {
		if rec.ID != i+1 {
			t.Errorf("record %d (%s) id = %d, want %d", i, rec.Title, rec.ID, i+1)
		}
	}
	// A is outside the five-record window [C..G] by the fifth batch and is admitted again.
	want := []string{"A", "B", "C", "D", "E", "F", "G", "A"}
	if !equal(titlesOf(snap.Records), want) {
		t.Errorf("ledger titles = %v, want %v", titlesOf(snap.Records), want)
	}
}

func TestRunFullHistoryWindow(t *testing.T) {
	feed := &fakeFeed{}
	r, store, _ := newTestRunner(t, feed, 0)
	ctx := context.Background()

	for _, b := range [][]string{{"A", "B", "C", "D", "E", "F"}, {"A", "G"}} {
		feed.candidates = candidates(b...)
		if _, err := r.Run(ctx); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}

	snap, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	want := []string{"A", "B", "C", "D", "E", "F", "G"}
	if !equal(titlesOf(snap.Records), want) {
		t.Errorf("ledger titles = %v, want %v", titlesOf(snap.Records), want)
	}
}

func TestRunFeedUnavailableLeavesLedger(t *testing.T) {
	feed := &fakeFeed{err: errors.New("connection refused")}
	r, _, path := newTestRunner(t, feed, DefaultWindow)

	_, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run() with failing feed succeeded, want error")
	}
	if !promo.IsFeedUnavailable(err) {
		t.Errorf("Run() error = %v, want FeedUnavailableError", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("ledger file touched after feed failure (stat err = %v)", statErr)
	}
}

func TestRunContinuesIDsPastBrokenRow(t *testing.T) {
	feed := &fakeFeed{candidates: candidates("Delta", "Echo")}
	r, store, path := newTestRunner(t, feed, DefaultWindow)
	ctx := context.Background()

	content := "id,title,source,start,end,image_url\n" +
		"1,Alpha,Steam,2024-01-10T09:00:00Z,,\n" +
		"2,\"Broken,Steam,2024-01-10T09:00:00Z,,\n" +
		"3,Gamma,Steam,2024-01-10T09:00:00Z,,\n" +
		"4,Delta,Epic,2024-01-10T09:00:00Z,,\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Appended) != 1 || res.Appended[0].Title != "Echo" || res.Appended[0].ID != 5 {
		t.Fatalf("appended = %+v, want Echo with id 5", res.Appended)
	}

	snap, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	want := []string{"Alpha", "Gamma", "Delta", "Echo"}
	if !equal(titlesOf(snap.Records), want) {
		t.Errorf("ledger titles = %v, want %v", titlesOf(snap.Records), want)
	}
}
