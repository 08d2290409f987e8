package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ambdash/ambdash/internal/metrics"
	"github.com/ambdash/ambdash/pkg/alert"
	"github.com/ambdash/ambdash/pkg/daily"
	"github.com/ambdash/ambdash/pkg/source"
	"github.com/ambdash/ambdash/pkg/updater"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Scheduler runs update batches and daily snapshots on fixed intervals.
type Scheduler struct {
	updaters  []*updater.Updater
	daily     *daily.Calculator
	alertMgr  *alert.Manager
	metrics   *metrics.Metrics
	log       *zap.Logger
	updateInt time.Duration
	dailyInt  time.Duration
	maxItems  int
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds the scheduler intervals.
type Config struct {
	UpdateInterval time.Duration
	DailyInterval  time.Duration
	MaxItems       int
}

// New creates a new scheduler.
func New(
	updaters []*updater.Updater,
	calc *daily.Calculator,
	alertMgr *alert.Manager,
	m *metrics.Metrics,
	log *zap.Logger,
	cfg Config,
) *Scheduler {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 10 * time.Minute
	}
	if cfg.DailyInterval <= 0 {
		cfg.DailyInterval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		updaters:  updaters,
		daily:     calc,
		alertMgr:  alertMgr,
		metrics:   m,
		log:       log.Named("scheduler"),
		updateInt: cfg.UpdateInterval,
		dailyInt:  cfg.DailyInterval,
		maxItems:  cfg.MaxItems,
		now:       time.Now,
	}
}

// Start launches the loop in the background. It runs one pass immediately,
// then on every tick, until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		s.run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight pass to return. A batch
// interrupted here keeps the items it already finalized.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether the background loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) run(ctx context.Context) {
	updateTicker := time.NewTicker(s.updateInt)
	dailyTicker := time.NewTicker(s.dailyInt)
	defer updateTicker.Stop()
	defer dailyTicker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("update_interval", s.updateInt),
		zap.Duration("daily_interval", s.dailyInt),
	)

	s.update(ctx)
	s.snapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-updateTicker.C:
			s.update(ctx)
		case <-dailyTicker.C:
			s.snapshot(ctx)
		}
	}
}

func (s *Scheduler) update(ctx context.Context) {
	if _, err := s.TriggerUpdate(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("update pass finished with errors", zap.Error(err))
	}
}

func (s *Scheduler) snapshot(ctx context.Context) {
	if s.daily == nil {
		return
	}
	snap, recomputed, err := s.daily.AutoCompute(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("daily snapshot", zap.Error(err))
		}
		return
	}
	if recomputed && s.metrics != nil {
		s.metrics.DailyDelta.Set(float64(snap.Delta))
		s.metrics.DailyTotal.Set(float64(snap.Total))
	}
}

// TriggerUpdate runs one batch per platform now. A platform whose batch is
// already running is skipped with ErrBatchInProgress in the joined error;
// the other platforms still run.
func (s *Scheduler) TriggerUpdate(ctx context.Context) ([]updater.BatchResult, error) {
	var (
		results []updater.BatchResult
		errs    []error
	)
	for _, u := range s.updaters {
		res, err := u.RunBatch(ctx, s.now(), s.maxItems)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.Platform(), err))
			if errors.Is(err, updater.ErrBatchInProgress) {
				continue
			}
		}
		results = append(results, res)
		s.notify(ctx, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results, errors.Join(errs...)
}

func (s *Scheduler) notify(ctx context.Context, res updater.BatchResult) {
	// Idle batches, including those with no quota left, stay silent.
	if res.Attempted == 0 {
		return
	}
	if !s.alertMgr.HasNotifiers() {
		return
	}
	level := alert.LevelInfo
	body := fmt.Sprintf("Finalized %d of %d ready posts.", res.Succeeded, res.Ready)
	if res.QuotaExhaustedEarly {
		level = alert.LevelWarning
		body += " Quota ran out before the ready list was cleared."
	}
	n := &alert.Notification{
		Title: fmt.Sprintf("%s update batch", res.Platform),
		Body:  body,
		Level: level,
		Fields: []alert.Field{
			{Name: "Attempted", Value: strconv.Itoa(res.Attempted)},
			{Name: "Failed", Value: strconv.Itoa(res.Failed)},
			{Name: "Not found", Value: strconv.Itoa(res.NotFound)},
			{Name: "Quota left", Value: strconv.Itoa(res.Remaining)},
		},
		Items: topFinalized(res.Finalized),
	}
	if err := s.alertMgr.Broadcast(context.WithoutCancel(ctx), n); err != nil {
		s.log.Warn("batch alert failed", zap.Error(err))
	}
}

// topFinalized orders finalized items by impressions, highest first.
func topFinalized(items []source.Item) []source.Item {
	out := slices.Clone(items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metrics.Impressions > out[j].Metrics.Impressions
	})
	return out
}
