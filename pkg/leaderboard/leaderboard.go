// Package leaderboard ranks ambassadors by the engagement of their
// finalized posts. Everything here is a pure function over item snapshots.
package leaderboard

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ambdash/ambdash/pkg/source"
)

// SortBy selects the metric rows are ranked on.
type SortBy string

const (
	ByImpressions SortBy = "impressions"
	ByLikes       SortBy = "likes"
	ByReplies     SortBy = "replies"
	ByReposts     SortBy = "reposts"
	ByPosts       SortBy = "posts"
)

// ParseSortBy maps a query value to a SortBy, defaulting to impressions.
func ParseSortBy(s string) SortBy {
	switch SortBy(strings.ToLower(strings.TrimSpace(s))) {
	case ByLikes:
		return ByLikes
	case ByReplies:
		return ByReplies
	case ByReposts:
		return ByReposts
	case ByPosts:
		return ByPosts
	}
	return ByImpressions
}

// Row is one ambassador's aggregated engagement.
type Row struct {
	Ambassador string `json:"ambassador"`
	Posts      int    `json:"posts"`
	source.Metrics
}

func (r Row) value(by SortBy) int64 {
	switch by {
	case ByLikes:
		return r.Likes
	case ByReplies:
		return r.Replies
	case ByReposts:
		return r.Reposts
	case ByPosts:
		return int64(r.Posts)
	}
	return r.Impressions
}

// Aggregate groups items by ambassador, sums their metrics and ranks the
// rows descending on by. Ties keep the order in which ambassadors first
// appear in items.
func Aggregate(items []source.Item, by SortBy) []Row {
	index := make(map[string]int)
	var rows []Row
	for _, it := range items {
		i, ok := index[it.Ambassador]
		if !ok {
			i = len(rows)
			index[it.Ambassador] = i
			rows = append(rows, Row{Ambassador: it.Ambassador})
		}
		rows[i].Posts++
		rows[i].Metrics = rows[i].Metrics.Add(it.Metrics)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].value(by) > rows[j].value(by)
	})
	return rows
}

// Finalized keeps only items whose metrics are final.
func Finalized(items []source.Item) []source.Item {
	out := make([]source.Item, 0, len(items))
	for _, it := range items {
		if it.Finalized {
			out = append(out, it)
		}
	}
	return out
}

// InWindow keeps items submitted within [from, to]. Items without a
// submission time are dropped.
func InWindow(items []source.Item, from, to time.Time) []source.Item {
	out := make([]source.Item, 0, len(items))
	for _, it := range items {
		if it.SubmittedAt.IsZero() || it.SubmittedAt.Before(from) || it.SubmittedAt.After(to) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// MonthWindow returns the first and last instant of a calendar month in loc.
func MonthWindow(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 1, 0).Add(-time.Nanosecond)
}

// ParseMonth parses a YYYY-MM key.
func ParseMonth(s string) (int, time.Month, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, err
	}
	return t.Year(), t.Month(), nil
}

// MinImpressions drops rows below min. A non-positive min keeps all rows.
func MinImpressions(rows []Row, min int64) []Row {
	if min <= 0 {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r.Impressions >= min {
			out = append(out, r)
		}
	}
	return out
}

// CombinedRow merges one ambassador across platforms.
type CombinedRow struct {
	Ambassador  string `json:"ambassador"`
	XViews      int64  `json:"x_impressions"`
	RedditViews int64  `json:"reddit_views"`
	Total       int64  `json:"total_views"`
	Posts       int    `json:"posts"`
}

// CombineOptions tunes Combine.
type CombineOptions struct {
	// PinLast names an ambassador, matched case-insensitively, that is
	// always ranked last regardless of totals.
	PinLast string
}

// Combine merges per-platform rows by case-insensitive ambassador name and
// ranks by X impressions plus Reddit views. The displayed name is the first
// spelling seen, X rows before Reddit rows.
func Combine(x, reddit []Row, opts CombineOptions) []CombinedRow {
	index := make(map[string]int)
	var rows []CombinedRow
	upsert := func(r Row) *CombinedRow {
		key := normalizeName(r.Ambassador)
		i, ok := index[key]
		if !ok {
			i = len(rows)
			index[key] = i
			rows = append(rows, CombinedRow{Ambassador: strings.TrimSpace(r.Ambassador)})
		}
		rows[i].Posts += r.Posts
		return &rows[i]
	}
	for _, r := range x {
		upsert(r).XViews += r.Impressions
	}
	for _, r := range reddit {
		upsert(r).RedditViews += r.Impressions
	}
	for i := range rows {
		rows[i].Total = rows[i].XViews + rows[i].RedditViews
	}

	pin := normalizeName(opts.PinLast)
	pinned := func(r CombinedRow) bool {
		return pin != "" && normalizeName(r.Ambassador) == pin
	}
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := pinned(rows[i]), pinned(rows[j])
		if pi != pj {
			return pj
		}
		return rows[i].Total > rows[j].Total
	})
	return rows
}

// MinTotal drops combined rows whose total is below min.
func MinTotal(rows []CombinedRow, min int64) []CombinedRow {
	if min <= 0 {
		return rows
	}
	out := make([]CombinedRow, 0, len(rows))
	for _, r := range rows {
		if r.Total >= min {
			out = append(out, r)
		}
	}
	return out
}

// Month is a calendar month that has submissions.
type Month struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func (m Month) String() string {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

// AvailableMonths lists the distinct submission months in items, newest
// first, evaluated in loc.
func AvailableMonths(items []source.Item, loc *time.Location) []Month {
	if loc == nil {
		loc = time.UTC
	}
	seen := make(map[Month]bool)
	var months []Month
	for _, it := range items {
		if it.SubmittedAt.IsZero() {
			continue
		}
		t := it.SubmittedAt.In(loc)
		m := Month{Year: t.Year(), Month: t.Month()}
		if !seen[m] {
			seen[m] = true
			months = append(months, m)
		}
	}
	sort.Slice(months, func(i, j int) bool {
		if months[i].Year != months[j].Year {
			return months[i].Year > months[j].Year
		}
		return months[i].Month > months[j].Month
	})
	return months
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Board names accepted by Build.
const (
	BoardX      = "x"
	BoardReddit = "reddit"
	BoardTotal  = "total"
)

// ErrUnknownBoard is returned by Build for a board other than x, reddit or
// total.
var ErrUnknownBoard = errors.New("unknown leaderboard")

// Query selects one monthly board.
type Query struct {
	Board    string
	Year     int
	Month    time.Month
	Location *time.Location
	SortBy   SortBy
	// MinImpressions filters platform rows on impressions and combined rows
	// on their total.
	MinImpressions int64
	PinLast        string
}

// Board is a built leaderboard. Rows is set for platform boards, Combined
// for the total board.
type Board struct {
	Month    string
	Rows     []Row
	Combined []CombinedRow
}

// Build runs the full pipeline for q: finalized items only, windowed by
// submission month, aggregated per platform, then combined and thresholded.
func Build(items []source.Item, q Query) (Board, error) {
	if q.Board != BoardX && q.Board != BoardReddit && q.Board != BoardTotal {
		return Board{}, fmt.Errorf("%w %q", ErrUnknownBoard, q.Board)
	}
	from, to := MonthWindow(q.Year, q.Month, q.Location)
	items = InWindow(Finalized(items), from, to)

	rowsFor := func(p source.Platform) []Row {
		var filtered []source.Item
		for _, it := range items {
			if it.Platform == p {
				filtered = append(filtered, it)
			}
		}
		return Aggregate(filtered, q.SortBy)
	}

	b := Board{Month: from.Format("2006-01")}
	if q.Board == BoardTotal {
		rows := Combine(rowsFor(source.PlatformX), rowsFor(source.PlatformReddit), CombineOptions{PinLast: q.PinLast})
		b.Combined = MinTotal(rows, q.MinImpressions)
		return b, nil
	}
	b.Rows = MinImpressions(rowsFor(source.Platform(q.Board)), q.MinImpressions)
	return b, nil
}
