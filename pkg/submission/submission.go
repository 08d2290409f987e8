// Package submission accepts post URLs from ambassadors.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ambdash/ambdash/internal/store"
	"github.com/ambdash/ambdash/pkg/source"
)

var (
	ErrInvalidURL      = source.ErrInvalidURL
	ErrDuplicate       = errors.New("post already submitted")
	ErrEmptyAmbassador = errors.New("ambassador name is required")
)

// Service validates, normalizes and stores submissions.
type Service struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a submission service.
func New(s store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, log: log, now: time.Now}
}

// Submit stores a new post for ambassador and returns its id. Mirror URLs
// of an already stored post are rejected with ErrDuplicate.
func (s *Service) Submit(ctx context.Context, ambassador, rawURL string) (int64, error) {
	ambassador = strings.TrimSpace(ambassador)
	if ambassador == "" {
		return 0, ErrEmptyAmbassador
	}

	ref, err := source.ParseURL(rawURL)
	if err != nil {
		return 0, err
	}

	if _, err := s.store.FindItemByURL(ctx, ref.URL); err == nil {
		return 0, fmt.Errorf("%s: %w", ref.URL, ErrDuplicate)
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("submit %s: %w", ref.URL, err)
	}

	now := s.now().UTC()
	item := &source.Item{
		Ambassador:    ambassador,
		Platform:      ref.Platform,
		URL:           ref.URL,
		ExternalID:    ref.ExternalID,
		SubmittedAt:   now,
		LastUpdatedAt: now,
	}
	if err := s.store.InsertItem(ctx, item); err != nil {
		// Lost a race with a concurrent submit of the same post.
		if errors.Is(err, store.ErrConflict) {
			return 0, fmt.Errorf("%s: %w", ref.URL, ErrDuplicate)
		}
		return 0, fmt.Errorf("submit %s: %w", ref.URL, err)
	}

	s.log.Info("post submitted",
		zap.Int64("item_id", item.ID),
		zap.String("ambassador", ambassador),
		zap.String("platform", string(ref.Platform)),
		zap.String("url", ref.URL),
	)
	return item.ID, nil
}

// Purge deletes every item submitted within [from, to] and returns how many
// were removed. Daily snapshots and quota usage are left alone.
func (s *Service) Purge(ctx context.Context, from, to time.Time) (int64, error) {
	if to.Before(from) {
		return 0, fmt.Errorf("purge: end %s before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	items, err := s.store.ListItems(ctx, store.ItemFilter{})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	var ids []int64
	for _, it := range items {
		if it.SubmittedAt.IsZero() || it.SubmittedAt.Before(from) || it.SubmittedAt.After(to) {
			continue
		}
		ids = append(ids, it.ID)
	}
	n, err := s.store.DeleteItems(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	s.log.Info("items purged",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int64("deleted", n),
	)
	return n, nil
}
