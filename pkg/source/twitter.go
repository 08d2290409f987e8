package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultXAPIURL = "https://api.x.com"

// X fetches public metrics for single posts through the X API v2.
// Every request is billed against the monthly quota, so the client makes
// exactly one HTTP call per FetchMetrics.
type X struct {
	client      *http.Client
	baseURL     string
	bearerToken string
}

// NewX creates a new X metrics client.
func NewX(baseURL, bearerToken string) *X {
	if baseURL == "" {
		baseURL = defaultXAPIURL
	}
	return &X{
		client:      &http.Client{Timeout: 30 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
	}
}

func (x *X) Platform() Platform { return PlatformX }

func (x *X) FetchMetrics(ctx context.Context, externalID string) (Metrics, error) {
	reqURL := fmt.Sprintf("%s/2/tweets/%s?tweet.fields=public_metrics", x.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Metrics{}, fmt.Errorf("create x request %s: %w", externalID, err)
	}
	req.Header.Set("Authorization", "Bearer "+x.bearerToken)
	req.Header.Set("User-Agent", "ambdash/1.0")

	resp, err := x.client.Do(req)
	if err != nil {
		return Metrics{}, fmt.Errorf("fetch x post %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, "x post "+externalID); err != nil {
		return Metrics{}, err
	}

	var body xTweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Metrics{}, fmt.Errorf("decode x post %s: %w", externalID, err)
	}

	// Deleted or protected posts come back as 200 with an errors array.
	if body.Data == nil {
		for _, e := range body.Errors {
			if e.Type == "https://api.twitter.com/2/problems/resource-not-found" || e.Title == "Not Found Error" {
				return Metrics{}, fmt.Errorf("x post %s: %w", externalID, ErrNotFound)
			}
			if e.Type == "https://api.twitter.com/2/problems/not-authorized-for-resource" {
				return Metrics{}, fmt.Errorf("x post %s: %w", externalID, ErrUnauthorized)
			}
		}
		return Metrics{}, fmt.Errorf("x post %s: empty response", externalID)
	}

	pm := body.Data.PublicMetrics
	return Metrics{
		Impressions: pm.ImpressionCount,
		Likes:       pm.LikeCount,
		Replies:     pm.ReplyCount,
		Reposts:     pm.RetweetCount + pm.QuoteCount,
	}.NonNegative(), nil
}

// statusError maps provider HTTP statuses onto the shared fetch errors.
func statusError(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", what, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", what, ErrRateLimited)
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

type xTweetResponse struct {
	Data *struct {
		ID            string `json:"id"`
		PublicMetrics struct {
			RetweetCount    int64 `json:"retweet_count"`
			ReplyCount      int64 `json:"reply_count"`
			LikeCount       int64 `json:"like_count"`
			QuoteCount      int64 `json:"quote_count"`
			ImpressionCount int64 `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Type   string `json:"type"`
		Detail string `json:"detail"`
	} `json:"errors"`
}
