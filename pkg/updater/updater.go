// Package updater runs the quota-bounded refresh pass that fetches final
// engagement metrics for posts past their wait period.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ambdash/ambdash/internal/metrics"
	"github.com/ambdash/ambdash/internal/store"
	"github.com/ambdash/ambdash/pkg/alert"
	"github.com/ambdash/ambdash/pkg/freshness"
	"github.com/ambdash/ambdash/pkg/quota"
	"github.com/ambdash/ambdash/pkg/source"
)

// ErrBatchInProgress is returned when a batch is started while another one
// for the same platform is still running.
var ErrBatchInProgress = errors.New("update batch already in progress")

// MinDelay is the smallest allowed pause between consecutive fetches.
const MinDelay = time.Second

const defaultLockTTL = 30 * time.Minute

// BatchResult summarises one RunBatch call.
type BatchResult struct {
	Platform            source.Platform `json:"platform"`
	RunID               string          `json:"run_id"`
	Ready               int             `json:"ready"`
	Attempted           int             `json:"attempted"`
	Succeeded           int             `json:"succeeded"`
	Failed              int             `json:"failed"`
	NotFound            int             `json:"not_found"`
	QuotaExhaustedEarly bool            `json:"quota_exhausted_early"`
	Remaining           int             `json:"remaining"`
	// Finalized holds the items this batch finalized, with their new metrics.
	Finalized []source.Item `json:"finalized,omitempty"`
}

// Updater refreshes the items of one platform.
type Updater struct {
	fetcher source.Fetcher
	quota   *quota.Counter
	store   store.Store

	log     *zap.Logger
	metrics *metrics.Metrics
	alerts  *alert.Manager
	locker  Locker
	lockTTL time.Duration
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error

	running atomic.Bool
}

// Option configures an Updater.
type Option func(*Updater)

func WithLogger(l *zap.Logger) Option {
	return func(u *Updater) {
		if l != nil {
			u.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Updater) { u.metrics = m }
}

func WithAlerts(m *alert.Manager) Option {
	return func(u *Updater) { u.alerts = m }
}

// WithLocker adds a cross-process lock held for the duration of a batch.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(u *Updater) {
		if l == nil {
			return
		}
		if rl, ok := l.(*RedisLocker); ok && rl == nil {
			return
		}
		u.locker = l
		if ttl > 0 {
			u.lockTTL = ttl
		}
	}
}

// WithDelay sets the pause between fetches. Values below MinDelay are raised.
func WithDelay(d time.Duration) Option {
	return func(u *Updater) { u.delay = max(d, MinDelay) }
}

// New creates an updater for the fetcher's platform.
func New(f source.Fetcher, q *quota.Counter, s store.Store, opts ...Option) *Updater {
	u := &Updater{
		fetcher: f,
		quota:   q,
		store:   s,
		log:     zap.NewNop(),
		lockTTL: defaultLockTTL,
		delay:   MinDelay,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.log = u.log.With(zap.String("platform", string(f.Platform())))
	return u
}

func (u *Updater) Platform() source.Platform { return u.fetcher.Platform() }

// Quota exposes the counter backing this updater.
func (u *Updater) Quota() *quota.Counter { return u.quota }

// Running reports whether a batch is executing in this process.
func (u *Updater) Running() bool { return u.running.Load() }

// Plan returns the ready items in the order RunBatch would fetch them,
// capped at limit (limit <= 0 means all).
func (u *Updater) Plan(ctx context.Context, now time.Time, limit int) ([]source.Item, error) {
	ready, err := u.readyItems(ctx, now)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(ready) {
		ready = ready[:limit]
	}
	return ready, nil
}

// RunBatch fetches final metrics for the oldest ready items, spending at
// most min(maxItems, remaining quota) calls. maxItems <= 0 leaves the batch
// bounded by quota only. Each successful item is persisted on its own, so a
// cancelled batch keeps everything finalized before the cancellation.
func (u *Updater) RunBatch(ctx context.Context, now time.Time, maxItems int) (BatchResult, error) {
	res := BatchResult{Platform: u.Platform(), RunID: uuid.NewString()}

	if !u.running.CompareAndSwap(false, true) {
		return res, ErrBatchInProgress
	}
	defer u.running.Store(false)

	if u.locker != nil {
		key := "ambdash:batch:" + string(u.Platform())
		token, ok, err := u.locker.TryLock(ctx, key, u.lockTTL)
		if err != nil {
			return res, fmt.Errorf("acquire batch lock: %w", err)
		}
		if !ok {
			return res, ErrBatchInProgress
		}
		defer func() {
			if err := u.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				u.log.Warn("release batch lock", zap.Error(err))
			}
		}()
	}

	log := u.log.With(zap.String("run_id", res.RunID))

	ready, err := u.readyItems(ctx, now)
	if err != nil {
		return res, err
	}
	res.Ready = len(ready)
	if u.metrics != nil {
		u.metrics.ReadyItems.WithLabelValues(string(u.Platform())).Set(float64(len(ready)))
	}

	remaining, err := u.quota.Remaining(ctx, quota.MonthKey(now))
	if err != nil {
		return res, err
	}
	budget := remaining
	if maxItems > 0 && maxItems < budget {
		budget = maxItems
	}
	if budget < len(ready) {
		res.QuotaExhaustedEarly = true
		ready = ready[:budget]
	}

	log.Info("batch started",
		zap.Int("ready", res.Ready),
		zap.Int("remaining", remaining),
		zap.Int("budget", budget),
	)

	var runErr error
	for i, item := range ready {
		if i > 0 {
			if err := u.sleep(ctx, u.delay); err != nil {
				runErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		u.refresh(ctx, log, item, now, &res)
	}

	res.Remaining = max(0, remaining-res.Attempted)
	if u.metrics != nil {
		u.metrics.Batches.WithLabelValues(string(u.Platform()), strconv.FormatBool(res.QuotaExhaustedEarly)).Inc()
		u.metrics.QuotaRemaining.WithLabelValues(u.quota.Scope()).Set(float64(res.Remaining))
	}

	fields := []zap.Field{
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("not_found", res.NotFound),
		zap.Bool("quota_exhausted_early", res.QuotaExhaustedEarly),
	}
	if runErr != nil {
		log.Warn("batch interrupted", append(fields, zap.Error(runErr))...)
		return res, fmt.Errorf("batch interrupted: %w", runErr)
	}
	log.Info("batch finished", fields...)
	return res, nil
}

// refresh performs one fetch and records its outcome. Failures never abort
// the batch; the item stays non-final and is retried next run.
func (u *Updater) refresh(ctx context.Context, log *zap.Logger, item source.Item, now time.Time, res *BatchResult) {
	res.Attempted++
	ilog := log.With(zap.Int64("item_id", item.ID), zap.String("external_id", item.ExternalID))

	m, fetchErr := u.fetcher.FetchMetrics(ctx, item.ExternalID)

	calls, err := u.quota.Consume(context.WithoutCancel(ctx), now, fetchErr == nil)
	if err != nil {
		ilog.Error("record quota usage", zap.Error(err))
	} else {
		u.checkQuota(ctx, calls)
	}

	if fetchErr != nil {
		res.Failed++
		outcome := metrics.OutcomeError
		if errors.Is(fetchErr, source.ErrNotFound) {
			res.NotFound++
			outcome = metrics.OutcomeNotFound
		}
		u.observe(outcome)
		ilog.Warn("fetch metrics failed", zap.Error(fetchErr))
		return
	}

	if err := u.store.FinalizeItem(context.WithoutCancel(ctx), item.ID, m, now); err != nil {
		res.Failed++
		u.observe(metrics.OutcomeStore)
		ilog.Error("persist metrics", zap.Error(err))
		return
	}

	item.Metrics = m
	item.LastUpdatedAt = now
	item.Finalized = true
	res.Finalized = append(res.Finalized, item)
	res.Succeeded++
	u.observe(metrics.OutcomeSuccess)
	ilog.Debug("item finalized",
		zap.Int64("impressions", m.Impressions),
		zap.Int64("likes", m.Likes),
	)
}

func (u *Updater) observe(outcome string) {
	if u.metrics != nil {
		u.metrics.FetchAttempts.WithLabelValues(string(u.Platform()), outcome).Inc()
	}
}

// checkQuota broadcasts once when the call that brought the count to calls
// crossed a warning level.
func (u *Updater) checkQuota(ctx context.Context, calls int) {
	lvl := u.quota.CrossedLevel(calls-1, calls)
	if lvl == 0 || !u.alerts.HasNotifiers() {
		return
	}
	level := alert.LevelWarning
	if lvl >= 90 {
		level = alert.LevelCritical
	}
	n := &alert.Notification{
		Title: fmt.Sprintf("%s API quota at %d%%", u.quota.Scope(), lvl),
		Body:  fmt.Sprintf("%d of %d monthly calls used.", calls, u.quota.Limit()),
		Level: level,
		Fields: []alert.Field{
			{Name: "Scope", Value: u.quota.Scope()},
			{Name: "Remaining", Value: strconv.Itoa(max(0, u.quota.Limit()-calls))},
		},
	}
	if err := u.alerts.Broadcast(context.WithoutCancel(ctx), n); err != nil {
		u.log.Warn("quota alert failed", zap.Error(err))
	}
}

// readyItems lists the platform's ready items oldest first. Items with a
// missing submission time are logged and skipped.
func (u *Updater) readyItems(ctx context.Context, now time.Time) ([]source.Item, error) {
	notFinal := false
	items, err := u.store.ListItems(ctx, store.ItemFilter{Platform: u.Platform(), Finalized: &notFinal})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	ready := make([]source.Item, 0, len(items))
	for _, it := range items {
		st, err := freshness.Classify(it, now)
		if err != nil {
			u.log.Warn("skipping item", zap.Int64("item_id", it.ID), zap.Error(err))
			continue
		}
		if st == freshness.Ready {
			ready = append(ready, it)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if !ready[i].SubmittedAt.Equal(ready[j].SubmittedAt) {
			return ready[i].SubmittedAt.Before(ready[j].SubmittedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
