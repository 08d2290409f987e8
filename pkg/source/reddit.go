package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultRedditAuthURL = "https://www.reddit.com"
	defaultRedditAPIURL  = "https://oauth.reddit.com"
)

// Reddit fetches post metrics through the Reddit OAuth API.
type Reddit struct {
	client       *http.Client
	authURL      string
	apiURL       string
	clientID     string
	clientSecret string
	mu           sync.Mutex
	token        string
	tokenExpiry  time.Time
}

// NewReddit creates a new Reddit metrics client. Empty URLs select the
// public endpoints.
func NewReddit(authURL, apiURL, clientID, clientSecret string) *Reddit {
	if authURL == "" {
		authURL = defaultRedditAuthURL
	}
	if apiURL == "" {
		apiURL = defaultRedditAPIURL
	}
	return &Reddit{
		client:       &http.Client{Timeout: 30 * time.Second},
		authURL:      strings.TrimRight(authURL, "/"),
		apiURL:       strings.TrimRight(apiURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (r *Reddit) Platform() Platform { return PlatformReddit }

func (r *Reddit) FetchMetrics(ctx context.Context, externalID string) (Metrics, error) {
	if err := r.authenticate(ctx); err != nil {
		return Metrics{}, fmt.Errorf("reddit auth: %w", err)
	}

	reqURL := fmt.Sprintf("%s/api/info?id=%s", r.apiURL, url.QueryEscape("t3_"+externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Metrics{}, err
	}
	req.Header.Set("Authorization", "Bearer "+r.currentToken())
	req.Header.Set("User-Agent", "ambdash/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return Metrics{}, fmt.Errorf("fetch reddit post %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		r.invalidate()
	}
	if err := statusError(resp, "reddit post "+externalID); err != nil {
		return Metrics{}, err
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return Metrics{}, fmt.Errorf("decode reddit post %s: %w", externalID, err)
	}

	if len(listing.Data.Children) == 0 {
		return Metrics{}, fmt.Errorf("reddit post %s: %w", externalID, ErrNotFound)
	}
	post := listing.Data.Children[0].Data
	if post.RemovedByCategory == "deleted" {
		return Metrics{}, fmt.Errorf("reddit post %s deleted: %w", externalID, ErrNotFound)
	}

	m := Metrics{
		Likes:   post.Score,
		Replies: post.NumComments,
		Reposts: post.NumCrossposts,
	}
	if post.ViewCount != nil {
		m.Impressions = *post.ViewCount
	}
	return m.NonNegative(), nil
}

func (r *Reddit) authenticate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Now().Before(r.tokenExpiry) {
		return nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.authURL+"/api/v1/access_token",
		strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}

	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "ambdash/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reddit token request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, "reddit token"); err != nil {
		return err
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("decode reddit token: %w", err)
	}

	r.token = tokenResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return nil
}

func (r *Reddit) currentToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *Reddit) invalidate() {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID                string `json:"id"`
	Score             int64  `json:"score"`
	NumComments       int64  `json:"num_comments"`
	NumCrossposts     int64  `json:"num_crossposts"`
	ViewCount         *int64 `json:"view_count"`
	RemovedByCategory string `json:"removed_by_category"`
}
