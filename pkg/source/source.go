package source

import (
	"context"
	"errors"
	"time"
)

// Platform identifies which social network a post lives on.
type Platform string

const (
	PlatformX      Platform = "x"
	PlatformReddit Platform = "reddit"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformX || p == PlatformReddit
}

// Metrics holds the engagement counters tracked per post.
// Reddit score is stored as Likes and crossposts as Reposts.
type Metrics struct {
	Impressions int64 `json:"impressions"`
	Likes       int64 `json:"likes"`
	Replies     int64 `json:"replies"`
	Reposts     int64 `json:"reposts"`
}

// IsZero reports whether no counter has been recorded yet.
func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// Add returns the element-wise sum of m and o.
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		Impressions: m.Impressions + o.Impressions,
		Likes:       m.Likes + o.Likes,
		Replies:     m.Replies + o.Replies,
		Reposts:     m.Reposts + o.Reposts,
	}
}

// NonNegative clamps every counter at zero. Reddit scores drop below zero
// on downvoted posts.
func (m Metrics) NonNegative() Metrics {
	return Metrics{
		Impressions: max(0, m.Impressions),
		Likes:       max(0, m.Likes),
		Replies:     max(0, m.Replies),
		Reposts:     max(0, m.Reposts),
	}
}

// Item is a submitted post as stored in the content store.
type Item struct {
	ID            int64     `json:"id"`
	Ambassador    string    `json:"ambassador"`
	Platform      Platform  `json:"platform"`
	URL           string    `json:"url"`
	ExternalID    string    `json:"external_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Finalized     bool      `json:"finalized"`
	Metrics       Metrics   `json:"metrics"`
}

// Fetch errors. Every variant leaves the item eligible for the next batch;
// ErrNotFound is kept distinct so callers can report deleted posts.
var (
	ErrNotFound     = errors.New("post not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// Fetcher retrieves current engagement metrics for a single post.
type Fetcher interface {
	Platform() Platform
	FetchMetrics(ctx context.Context, externalID string) (Metrics, error)
}

// AllPlatforms returns all known platforms.
func AllPlatforms() []Platform {
	return []Platform{PlatformX, PlatformReddit}
}
