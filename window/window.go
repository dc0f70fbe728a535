// Package window partitions ledger records into active and expired
// promotions at a reference time.
package window

import (
	"time"

	"freegames-notifier/pkg/promo"
)

// Result is the partition of one ledger snapshot.
type Result struct {
	Active  []promo.Active               // End strictly after now, in ledger order
	Expired []promo.Record               // End at or before now
	Undated []*promo.MissingEndDateError // No end timestamp, not evaluated
}

// Evaluate classifies records against now. It keeps no state between calls;
// every poll passes a fresh snapshot.
func Evaluate(records []promo.Record, now time.Time) *Result {
	res := &Result{}
	for _, rec := range records {
		if !rec.HasEnd() {
			res.Undated = append(res.Undated, &promo.MissingEndDateError{ID: rec.ID, Title: rec.Title})
			continue
		}

		left := rec.End.Sub(now)
		if left <= 0 {
			res.Expired = append(res.Expired, rec)
			continue
		}

		res.Active = append(res.Active, promo.Active{
			Record:    rec,
			Remaining: Decompose(left),
			Left:      left,
		})
	}
	return res
}

// Decompose splits d into whole days, hours within the day, and minutes
// within the hour. Leftover seconds are truncated.
func Decompose(d time.Duration) promo.Remaining {
	if d <= 0 {
		return promo.Remaining{}
	}
	minutes := int(d / time.Minute)
	return promo.Remaining{
		Days:    minutes / (24 * 60),
		Hours:   minutes / 60 % 24,
		Minutes: minutes % 60,
	}
}
