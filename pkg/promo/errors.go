package promo

import (
	"errors"
	"fmt"
)

// MalformedRecordError reports a ledger row or feed candidate that could not
// be turned into a record. The row is skipped, never the whole read.
type MalformedRecordError struct {
	Reason string
	Line   int // 1-based line in the ledger, 0 for feed candidates
}

func (e *MalformedRecordError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed record at line %d: %s", e.Line, e.Reason)
	}
	return "malformed record: " + e.Reason
}

// MissingEndDateError reports a record that cannot be time-evaluated.
type MissingEndDateError struct {
	Title string
	ID    int
}

func (e *MissingEndDateError) Error() string {
	return fmt.Sprintf("record %d (%q) has no end date", e.ID, e.Title)
}

// FeedUnavailableError indicates the source feed could not be fetched or parsed.
// The ingestion run that hit it leaves the ledger untouched.
type FeedUnavailableError struct {
	Err error
	URL string
}

func (e *FeedUnavailableError) Error() string {
	return fmt.Sprintf("feed unavailable: %s: %v", e.URL, e.Err)
}

func (e *FeedUnavailableError) Unwrap() error {
	return e.Err
}

// IsFeedUnavailable checks if an error is a feed failure.
func IsFeedUnavailable(err error) bool {
	var feedErr *FeedUnavailableError
	return errors.As(err, &feedErr)
}

// RenderResourceError indicates a resource needed to render one row (an
// image) could not be fetched. Only that row degrades.
type RenderResourceError struct {
	Err error
	URL string
}

func (e *RenderResourceError) Error() string {
	return fmt.Sprintf("render resource %s: %v", e.URL, e.Err)
}

func (e *RenderResourceError) Unwrap() error {
	return e.Err
}

// IsRenderResourceError checks if an error is a per-row render failure.
func IsRenderResourceError(err error) bool {
	var renderErr *RenderResourceError
	return errors.As(err, &renderErr)
}
