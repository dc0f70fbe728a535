// Package promo contains the core domain types for the free games notifier.
package promo

import (
	"fmt"
	"time"
)

// Record is one row of the ledger. Records are immutable once appended.
type Record struct {
	Start    time.Time  `json:"start"`               // When the promotion was first observed
	End      *time.Time `json:"end,omitempty"`       // When it stops being free; nil in degraded feeds
	Title    string     `json:"title"`               // Dedup key, compared case-sensitively
	Source   string     `json:"source"`              // Store or launcher name
	ImageURL string     `json:"image_url,omitempty"` // Opaque to the core
	ID       int        `json:"id"`                  // Strictly increasing across the ledger
}

// HasEnd reports whether the record carries an end timestamp.
func (r *Record) HasEnd() bool {
	return r.End != nil && !r.End.IsZero()
}

// Candidate is a promotion observed on the source feed that has not been
// assigned an id yet.
type Candidate struct {
	End      *time.Time
	Title    string
	Source   string
	ImageURL string
}

// Remaining is the time left on an active promotion, truncated to whole minutes.
type Remaining struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// Duration converts the decomposed value back into a duration.
func (r Remaining) Duration() time.Duration {
	return time.Duration(r.Days)*24*time.Hour + time.Duration(r.Hours)*time.Hour + time.Duration(r.Minutes)*time.Minute
}

func (r Remaining) String() string {
	return fmt.Sprintf("%d days, %d hours, and %d minutes", r.Days, r.Hours, r.Minutes)
}

// Active is a record whose end is still in the future at evaluation time.
type Active struct {
	Record
	Remaining
	Left time.Duration // Exact end - now, before truncation
}

// EventKind distinguishes notification events.
type EventKind string

const (
	// EventNew is emitted once per record id when it first appears active.
	EventNew EventKind = "new"
	// EventDeadline is emitted once per (record id, threshold) crossing.
	EventDeadline EventKind = "deadline"
)

// Event is a single notification produced by the alert state machine.
type Event struct {
	At        time.Time     `json:"at"`
	ID        string        `json:"id"`
	Kind      EventKind     `json:"kind"`
	Title     string        `json:"title"`
	Detail    string        `json:"detail"`
	ImageURL  string        `json:"image_url,omitempty"`
	RecordID  int           `json:"record_id"`
	Threshold time.Duration `json:"threshold,omitempty"`
}

// Subscriber is an email address receiving alert digests.
type Subscriber struct {
	CreatedAt      time.Time `json:"created_at"`
	LastNotifiedAt time.Time `json:"last_notified_at,omitempty"`
	Email          string    `json:"email"`
	Token          string    `json:"token"` // HMAC of the email; doubles as the storage key
	Notified       int       `json:"notified"`
}
