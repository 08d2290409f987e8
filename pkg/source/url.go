package source

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned for URLs that do not point at a single X or
// Reddit post.
var ErrInvalidURL = errors.New("invalid post url")

// Mirror domains that serve the same X content.
var xHosts = map[string]bool{
	"x.com":              true,
	"twitter.com":        true,
	"mobile.twitter.com": true,
	"mobile.x.com":       true,
	"fxtwitter.com":      true,
	"vxtwitter.com":      true,
	"fixupx.com":         true,
	"fixvx.com":          true,
	"nitter.net":         true,
}

var redditHosts = map[string]bool{
	"reddit.com":     true,
	"old.reddit.com": true,
	"new.reddit.com": true,
	"np.reddit.com":  true,
	"m.reddit.com":   true,
	"i.reddit.com":   true,
}

// PostRef identifies a post independently of the URL variant it was
// submitted with.
type PostRef struct {
	Platform   Platform
	ExternalID string
	URL        string // canonical form
}

// ParseURL normalizes a submitted post URL. Equivalent mirrors resolve to
// the same canonical URL so duplicates can be detected by string equality.
func ParseURL(raw string) (PostRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PostRef{}, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return PostRef{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return PostRef{}, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segs := pathSegments(u.Path)

	switch {
	case xHosts[host]:
		return parseXPath(segs)
	case redditHosts[host]:
		return parseRedditPath(segs)
	case host == "redd.it":
		if len(segs) == 1 && isBase36(segs[0]) {
			return redditRef(segs[0]), nil
		}
	}
	return PostRef{}, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
}

// parseXPath accepts /{user}/status/{id} and /i/web/status/{id}.
func parseXPath(segs []string) (PostRef, error) {
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] != "status" && segs[i] != "statuses" {
			continue
		}
		id := segs[i+1]
		if !isDigits(id) {
			break
		}
		return PostRef{
			Platform:   PlatformX,
			ExternalID: id,
			URL:        "https://x.com/i/status/" + id,
		}, nil
	}
	return PostRef{}, fmt.Errorf("%w: no status id in x url", ErrInvalidURL)
}

// parseRedditPath accepts any path containing /comments/{id}.
func parseRedditPath(segs []string) (PostRef, error) {
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] == "comments" && isBase36(segs[i+1]) {
			return redditRef(segs[i+1]), nil
		}
	}
	return PostRef{}, fmt.Errorf("%w: no post id in reddit url", ErrInvalidURL)
}

func redditRef(id string) PostRef {
	id = strings.ToLower(id)
	return PostRef{
		Platform:   PlatformReddit,
		ExternalID: id,
		URL:        "https://www.reddit.com/comments/" + id,
	}
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isBase36(s string) bool {
	if s == "" || len(s) > 13 {
		return false
	}
	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
