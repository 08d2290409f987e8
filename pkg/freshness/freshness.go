// Package freshness decides when a submitted post is due for its one-time
// metric refresh.
package freshness

import (
	"errors"
	"fmt"
	"time"

	"github.com/ambdash/ambdash/pkg/source"
)

// WaitPeriod is how long engagement is left to settle before the final fetch.
const WaitPeriod = 3 * 24 * time.Hour

// Status is the refresh state of an item.
type Status string

const (
	TooNew Status = "too_new"
	Ready  Status = "ready"
	Final  Status = "final"
)

// ErrInvalidSubmittedAt marks items whose submission time is missing.
var ErrInvalidSubmittedAt = errors.New("missing or invalid submitted_at")

// Classify returns the refresh status of item at now.
func Classify(item source.Item, now time.Time) (Status, error) {
	if item.SubmittedAt.IsZero() {
		return "", fmt.Errorf("item %d: %w", item.ID, ErrInvalidSubmittedAt)
	}
	if item.Finalized {
		return Final, nil
	}
	if now.Sub(item.SubmittedAt) < WaitPeriod {
		return TooNew, nil
	}
	return Ready, nil
}

// ReadyAt returns when item leaves the TooNew state.
func ReadyAt(item source.Item) time.Time {
	return item.SubmittedAt.Add(WaitPeriod)
}

// Summary counts items per status. Invalid items are counted separately so
// data-quality problems stay visible in totals.
type Summary struct {
	Total   int     `json:"total"`
	TooNew  int     `json:"too_new"`
	Ready   int     `json:"ready"`
	Final   int     `json:"finalized"`
	Invalid int     `json:"invalid"`
	Errors  []error `json:"-"`
}

// Summarize classifies every item.
func Summarize(items []source.Item, now time.Time) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		st, err := Classify(it, now)
		if err != nil {
			s.Invalid++
			s.Errors = append(s.Errors, err)
			continue
		}
		switch st {
		case TooNew:
			s.TooNew++
		case Ready:
			s.Ready++
		case Final:
			s.Final++
		}
	}
	return s
}
