package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ambdash/ambdash/pkg/source"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// DailySnapshot is the cumulative tracked total recorded for one calendar day.
type DailySnapshot struct {
	Date       string    `db:"date" json:"date"`
	Total      int64     `db:"total" json:"total"`
	Delta      int64     `db:"delta" json:"delta"`
	ComputedAt time.Time `db:"computed_at" json:"computed_at"`
}

// UsageRecord is the per-month API call counter for one provider.
type UsageRecord struct {
	Scope      string `db:"scope"`
	Month      string `db:"month"`
	CallsMade  int    `db:"calls_made"`
	Successful int    `db:"successful_calls"`
	Failed     int    `db:"failed_calls"`
}

// DailyUsage is the per-day breakdown of API calls.
type DailyUsage struct {
	Day        string `db:"day" json:"date"`
	Calls      int    `db:"calls" json:"calls"`
	Successful int    `db:"successful_calls" json:"successful"`
}

// ItemFilter controls item listing. Zero values mean "no filter".
type ItemFilter struct {
	Platform   source.Platform
	Ambassador string
	Finalized  *bool
}

// Store is the persistence interface.
type Store interface {
	InsertItem(ctx context.Context, item *source.Item) error
	GetItem(ctx context.Context, id int64) (*source.Item, error)
	FindItemByURL(ctx context.Context, url string) (*source.Item, error)
	ListItems(ctx context.Context, f ItemFilter) ([]source.Item, error)
	FinalizeItem(ctx context.Context, id int64, m source.Metrics, updatedAt time.Time) error
	DeleteItems(ctx context.Context, ids []int64) (int64, error)
	SumImpressions(ctx context.Context, platform source.Platform) (int64, error)

	GetDailySnapshot(ctx context.Context, date string) (*DailySnapshot, error)
	LatestSnapshotBefore(ctx context.Context, date string) (*DailySnapshot, error)
	UpsertDailySnapshot(ctx context.Context, s DailySnapshot) error
	ListDailySnapshots(ctx context.Context, from, to string) ([]DailySnapshot, error)

	IncrementUsage(ctx context.Context, scope, month, day string, success bool, at time.Time) (int, error)
	GetUsage(ctx context.Context, scope, month string) (UsageRecord, error)
	ListDailyUsage(ctx context.Context, scope, month string) ([]DailyUsage, error)

	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store on SQLite or Postgres through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// New opens the database for driver and runs migrations.
func New(driver, dsn string) (*SQLStore, error) {
	var (
		db     *sqlx.DB
		err    error
		schema string
	)
	switch driver {
	case DriverSQLite, "":
		db, err = sqlx.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err == nil {
			// A single writer avoids SQLITE_BUSY between pooled connections.
			db.SetMaxOpenConns(1)
		}
		schema = sqliteSchema
	case DriverPostgres:
		db, err = sqlx.Open("pgx", dsn)
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type itemRow struct {
	ID            int64     `db:"id"`
	Ambassador    string    `db:"ambassador"`
	Platform      string    `db:"platform"`
	URL           string    `db:"url"`
	ExternalID    string    `db:"external_id"`
	SubmittedAt   looseTime `db:"submitted_at"`
	LastUpdatedAt looseTime `db:"last_updated_at"`
	Finalized     bool      `db:"finalized"`
	Impressions   int64     `db:"impressions"`
	Likes         int64     `db:"likes"`
	Replies       int64     `db:"replies"`
	Reposts       int64     `db:"reposts"`
}

func (r itemRow) item() source.Item {
	return source.Item{
		ID:            r.ID,
		Ambassador:    r.Ambassador,
		Platform:      source.Platform(r.Platform),
		URL:           r.URL,
		ExternalID:    r.ExternalID,
		SubmittedAt:   time.Time(r.SubmittedAt),
		LastUpdatedAt: time.Time(r.LastUpdatedAt),
		Finalized:     r.Finalized,
		Metrics: source.Metrics{
			Impressions: r.Impressions,
			Likes:       r.Likes,
			Replies:     r.Replies,
			Reposts:     r.Reposts,
		},
	}
}

const itemColumns = "id, ambassador, platform, url, external_id, submitted_at, last_updated_at, finalized, impressions, likes, replies, reposts"

func (s *SQLStore) InsertItem(ctx context.Context, item *source.Item) error {
	query := s.db.Rebind(`
		INSERT INTO items (ambassador, platform, url, external_id, submitted_at, last_updated_at, finalized, impressions, likes, replies, reposts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := s.db.QueryRowxContext(ctx, query,
		item.Ambassador, string(item.Platform), item.URL, item.ExternalID,
		nullTime(item.SubmittedAt), nullTime(item.LastUpdatedAt), item.Finalized,
		item.Metrics.Impressions, item.Metrics.Likes, item.Metrics.Replies, item.Metrics.Reposts,
	).Scan(&item.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert item %s: %w", item.URL, ErrConflict)
		}
		return fmt.Errorf("insert item %s: %w", item.URL, err)
	}
	return nil
}

func (s *SQLStore) GetItem(ctx context.Context, id int64) (*source.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT "+itemColumns+" FROM items WHERE id = ?"), id)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, notFound(err))
	}
	item := row.item()
	return &item, nil
}

func (s *SQLStore) FindItemByURL(ctx context.Context, url string) (*source.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT "+itemColumns+" FROM items WHERE url = ?"), url)
	if err != nil {
		return nil, fmt.Errorf("find item %s: %w", url, notFound(err))
	}
	item := row.item()
	return &item, nil
}

func (s *SQLStore) ListItems(ctx context.Context, f ItemFilter) ([]source.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE 1=1"
	var args []any

	if f.Platform != "" {
		query += " AND platform = ?"
		args = append(args, string(f.Platform))
	}
	if f.Ambassador != "" {
		query += " AND ambassador = ?"
		args = append(args, f.Ambassador)
	}
	if f.Finalized != nil {
		query += " AND finalized = ?"
		args = append(args, *f.Finalized)
	}
	query += " ORDER BY id"

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	items := make([]source.Item, len(rows))
	for i := range rows {
		items[i] = rows[i].item()
	}
	return items, nil
}

// FinalizeItem overwrites the metrics of one item and marks it final.
func (s *SQLStore) FinalizeItem(ctx context.Context, id int64, m source.Metrics, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE items SET impressions = ?, likes = ?, replies = ?, reposts = ?, last_updated_at = ?, finalized = ?
		WHERE id = ?
	`), m.Impressions, m.Likes, m.Replies, m.Reposts, updatedAt.UTC(), true, id)
	if err != nil {
		return fmt.Errorf("finalize item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize item %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) DeleteItems(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In("DELETE FROM items WHERE id IN (?)", ids)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) SumImpressions(ctx context.Context, platform source.Platform) (int64, error) {
	query := "SELECT CAST(COALESCE(SUM(impressions), 0) AS BIGINT) FROM items"
	var args []any
	if platform != "" {
		query += " WHERE platform = ?"
		args = append(args, string(platform))
	}
	var total int64
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("sum impressions: %w", err)
	}
	return total, nil
}

type snapshotRow struct {
	Date       string    `db:"date"`
	Total      int64     `db:"total"`
	Delta      int64     `db:"delta"`
	ComputedAt looseTime `db:"computed_at"`
}

func (r snapshotRow) snapshot() DailySnapshot {
	return DailySnapshot{Date: r.Date, Total: r.Total, Delta: r.Delta, ComputedAt: time.Time(r.ComputedAt)}
}

func (s *SQLStore) GetDailySnapshot(ctx context.Context, date string) (*DailySnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT date, total, delta, computed_at FROM daily_snapshots WHERE date = ?"), date)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", date, notFound(err))
	}
	snap := row.snapshot()
	return &snap, nil
}

func (s *SQLStore) LatestSnapshotBefore(ctx context.Context, date string) (*DailySnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT date, total, delta, computed_at FROM daily_snapshots
		WHERE date < ? ORDER BY date DESC LIMIT 1
	`), date)
	if err != nil {
		return nil, fmt.Errorf("snapshot before %s: %w", date, notFound(err))
	}
	snap := row.snapshot()
	return &snap, nil
}

func (s *SQLStore) UpsertDailySnapshot(ctx context.Context, snap DailySnapshot) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO daily_snapshots (date, total, delta, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			total = excluded.total,
			delta = excluded.delta,
			computed_at = excluded.computed_at
	`), snap.Date, snap.Total, snap.Delta, snap.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.Date, err)
	}
	return nil
}

func (s *SQLStore) ListDailySnapshots(ctx context.Context, from, to string) ([]DailySnapshot, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT date, total, delta, computed_at FROM daily_snapshots
		WHERE date >= ? AND date <= ? ORDER BY date
	`), from, to)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s..%s: %w", from, to, err)
	}
	snaps := make([]DailySnapshot, len(rows))
	for i := range rows {
		snaps[i] = rows[i].snapshot()
	}
	return snaps, nil
}

// IncrementUsage adds one call to the monthly and daily counters and
// returns the new monthly total. The upsert is a single statement per
// table, so concurrent increments do not lose updates, but the two tables
// are only kept in step by the surrounding transaction.
func (s *SQLStore) IncrementUsage(ctx context.Context, scope, month, day string, success bool, at time.Time) (int, error) {
	ok, failed := 0, 1
	if success {
		ok, failed = 1, 0
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("increment usage %s/%s: %w", scope, month, err)
	}
	defer tx.Rollback()

	var calls int
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO api_usage (scope, month, calls_made, successful_calls, failed_calls, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (scope, month) DO UPDATE SET
			calls_made = api_usage.calls_made + 1,
			successful_calls = api_usage.successful_calls + excluded.successful_calls,
			failed_calls = api_usage.failed_calls + excluded.failed_calls,
			updated_at = excluded.updated_at
		RETURNING calls_made
	`), scope, month, ok, failed, at.UTC()).Scan(&calls)
	if err != nil {
		return 0, fmt.Errorf("increment usage %s/%s: %w", scope, month, err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO api_usage_daily (scope, day, month, calls, successful_calls)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (scope, day) DO UPDATE SET
			calls = api_usage_daily.calls + 1,
			successful_calls = api_usage_daily.successful_calls + excluded.successful_calls
	`), scope, day, month, ok)
	if err != nil {
		return 0, fmt.Errorf("increment daily usage %s/%s: %w", scope, day, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit usage %s/%s: %w", scope, month, err)
	}
	return calls, nil
}

// GetUsage returns the counters for scope and month; a month without calls
// yields a zero record.
func (s *SQLStore) GetUsage(ctx context.Context, scope, month string) (UsageRecord, error) {
	rec := UsageRecord{Scope: scope, Month: month}
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`
		SELECT scope, month, calls_made, successful_calls, failed_calls
		FROM api_usage WHERE scope = ? AND month = ?
	`), scope, month)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("get usage %s/%s: %w", scope, month, err)
	}
	return rec, nil
}

func (s *SQLStore) ListDailyUsage(ctx context.Context, scope, month string) ([]DailyUsage, error) {
	var out []DailyUsage
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT day, calls, successful_calls FROM api_usage_daily
		WHERE scope = ? AND month = ? ORDER BY day
	`), scope, month)
	if err != nil {
		return nil, fmt.Errorf("list daily usage %s/%s: %w", scope, month, err)
	}
	return out, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
