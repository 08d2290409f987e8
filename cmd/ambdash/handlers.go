package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ambdash/ambdash/internal/config"
	"github.com/ambdash/ambdash/internal/logging"
	"github.com/ambdash/ambdash/internal/metrics"
	"github.com/ambdash/ambdash/internal/scheduler"
	"github.com/ambdash/ambdash/internal/store"
	"github.com/ambdash/ambdash/pkg/alert"
	"github.com/ambdash/ambdash/pkg/daily"
	"github.com/ambdash/ambdash/pkg/freshness"
	"github.com/ambdash/ambdash/pkg/leaderboard"
	"github.com/ambdash/ambdash/pkg/quota"
	"github.com/ambdash/ambdash/pkg/server"
	"github.com/ambdash/ambdash/pkg/source"
	"github.com/ambdash/ambdash/pkg/submission"
	"github.com/ambdash/ambdash/pkg/updater"
)

// app holds everything a command needs, built once from config.
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	db          *store.SQLStore
	metrics     *metrics.Metrics
	alerts      *alert.Manager
	redis       *redis.Client
	updaters    []*updater.Updater
	daily       *daily.Calculator
	submissions *submission.Service
	scheduler   *scheduler.Scheduler
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	db, err := store.New(cfg.Database.Driver, cfg.Database.Source())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		metrics: metrics.New(),
		alerts:  buildAlertManager(cfg),
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	a.updaters = a.buildUpdaters()
	a.daily = daily.New(db, cfg.Schedule.Location(), log.Named("daily"))
	a.submissions = submission.New(db, log.Named("submission"))
	a.scheduler = scheduler.New(a.updaters, a.daily, a.alerts, a.metrics, log, scheduler.Config{
		UpdateInterval: cfg.Schedule.ParseUpdateInterval(),
		DailyInterval:  cfg.Schedule.ParseDailyInterval(),
		MaxItems:       cfg.Schedule.MaxItems,
	})
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
	a.log.Sync()
}

func (a *app) buildUpdaters() []*updater.Updater {
	type metered struct {
		f     source.Fetcher
		limit int
	}
	var fetchers []metered
	if c := a.cfg.Sources.X; c.Enabled && c.BearerToken != "" {
		fetchers = append(fetchers, metered{source.NewX(c.BaseURL, c.BearerToken), c.MonthlyQuota})
	}
	if c := a.cfg.Sources.Reddit; c.Enabled && c.ClientID != "" {
		fetchers = append(fetchers, metered{source.NewReddit(c.AuthURL, c.APIURL, c.ClientID, c.ClientSecret), c.MonthlyQuota})
	}

	opts := []updater.Option{
		updater.WithLogger(a.log.Named("updater")),
		updater.WithMetrics(a.metrics),
		updater.WithAlerts(a.alerts),
		updater.WithDelay(a.cfg.Schedule.ParseFetchDelay()),
	}
	if a.redis != nil {
		opts = append(opts, updater.WithLocker(updater.NewRedisLocker(a.redis), a.cfg.Redis.ParseLockTTL()))
	}

	var out []*updater.Updater
	for _, fe := range fetchers {
		counter := quota.New(a.db, string(fe.f.Platform()), fe.limit)
		out = append(out, updater.New(fe.f, counter, a.db, opts...))
	}
	return out
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func runSubmit(ctx context.Context, ambassador, rawURL string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.submissions.Submit(ctx, ambassador, rawURL)
	if err != nil {
		return err
	}
	fmt.Printf("submitted #%d\n", id)
	return nil
}

func runUpdate(ctx context.Context, maxItems int, dryRun bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.updaters) == 0 {
		return fmt.Errorf("no platform configured (set X_BEARER_TOKEN or REDDIT_CLIENT_ID)")
	}
	if maxItems < 0 {
		maxItems = a.cfg.Schedule.MaxItems
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if dryRun {
		fmt.Fprintln(w, "PLATFORM\tID\tAMBASSADOR\tSUBMITTED\tURL")
		for _, u := range a.updaters {
			remaining, err := u.Quota().Remaining(ctx, quota.MonthKey(now))
			if err != nil {
				return err
			}
			limit := remaining
			if maxItems > 0 && maxItems < limit {
				limit = maxItems
			}
			if limit == 0 {
				continue
			}
			items, err := u.Plan(ctx, now, limit)
			if err != nil {
				return err
			}
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					it.Platform, it.ID, it.Ambassador, it.SubmittedAt.Format(time.RFC3339), it.URL)
			}
		}
		return w.Flush()
	}

	fmt.Fprintln(w, "PLATFORM\tREADY\tATTEMPTED\tSUCCEEDED\tFAILED\tNOT FOUND\tQUOTA LEFT\tEXHAUSTED")
	var runErr error
	for _, u := range a.updaters {
		res, err := u.RunBatch(ctx, now, maxItems)
		if err != nil {
			runErr = err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
			res.Platform, res.Ready, res.Attempted, res.Succeeded, res.Failed, res.NotFound,
			res.Remaining, res.QuotaExhaustedEarly)
		if ctx.Err() != nil {
			break
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return runErr
}

func runStatus(ctx context.Context, jsonOutput bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.db.ListItems(ctx, store.ItemFilter{})
	if err != nil {
		return err
	}
	sum := freshness.Summarize(items, time.Now())

	if jsonOutput {
		return printJSON(sum)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOTAL\tTOO NEW\tREADY\tFINALIZED\tINVALID")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", sum.Total, sum.TooNew, sum.Ready, sum.Final, sum.Invalid)
	if err := w.Flush(); err != nil {
		return err
	}
	for _, e := range sum.Errors {
		fmt.Fprintf(os.Stderr, "warning: %v\n", e)
	}
	return nil
}

func runUsage(ctx context.Context, jsonOutput bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var usages []quota.Usage
	for _, u := range a.updaters {
		usage, err := u.Quota().Usage(ctx, time.Now())
		if err != nil {
			return err
		}
		usages = append(usages, usage)
	}

	if jsonOutput {
		return printJSON(usages)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tMONTH\tCALLS\tSUCCESSFUL\tFAILED\tREMAINING\tLIMIT")
	for _, u := range usages {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			u.Scope, u.Month, u.CallsMade, u.Successful, u.Failed, u.Remaining, u.Limit)
	}
	return w.Flush()
}

func runLeaderboard(ctx context.Context, board, month, sortBy string, jsonOutput bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.cfg.Schedule.Location()
	now := time.Now().In(loc)
	q := leaderboard.Query{
		Board:          board,
		Year:           now.Year(),
		Month:          now.Month(),
		Location:       loc,
		SortBy:         leaderboard.ParseSortBy(sortBy),
		MinImpressions: a.cfg.Leaderboard.MinImpressions,
		PinLast:        a.cfg.Leaderboard.PinLast,
	}
	if month != "" {
		if q.Year, q.Month, err = leaderboard.ParseMonth(month); err != nil {
			return fmt.Errorf("month must be YYYY-MM: %w", err)
		}
	}

	if _, _, err := a.daily.AutoCompute(ctx, time.Now()); err != nil {
		a.log.Warn("daily auto-compute", zap.Error(err))
	}

	finalized := true
	items, err := a.db.ListItems(ctx, store.ItemFilter{Finalized: &finalized})
	if err != nil {
		return err
	}
	b, err := leaderboard.Build(items, q)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if board == leaderboard.BoardTotal {
		if jsonOutput {
			return printJSON(b.Combined)
		}
		fmt.Fprintln(w, "#\tAMBASSADOR\tX\tREDDIT\tTOTAL\tPOSTS")
		for i, r := range b.Combined {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\n", i+1, r.Ambassador, r.XViews, r.RedditViews, r.Total, r.Posts)
		}
		return w.Flush()
	}

	if jsonOutput {
		return printJSON(b.Rows)
	}
	fmt.Fprintln(w, "#\tAMBASSADOR\tIMPRESSIONS\tLIKES\tREPLIES\tREPOSTS\tPOSTS")
	for i, r := range b.Rows {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\n", i+1, r.Ambassador, r.Impressions, r.Likes, r.Replies, r.Reposts, r.Posts)
	}
	return w.Flush()
}

func runDaily(ctx context.Context, action, month string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	switch action {
	case "compute":
		snap, err := a.daily.ComputeToday(ctx, now)
		if err != nil {
			return err
		}
		fmt.Printf("%s total=%d delta=%d\n", snap.Date, snap.Total, snap.Delta)
	case "reset":
		snap, err := a.daily.ResetToday(ctx, now)
		if err != nil {
			return err
		}
		fmt.Printf("%s total=%d delta=0\n", snap.Date, snap.Total)
	case "list":
		local := now.In(a.cfg.Schedule.Location())
		year, mon := local.Year(), local.Month()
		if month != "" {
			if year, mon, err = leaderboard.ParseMonth(month); err != nil {
				return fmt.Errorf("month must be YYYY-MM: %w", err)
			}
		}
		snaps, err := a.daily.ForMonth(ctx, year, mon)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tTOTAL\tDELTA\tCOMPUTED")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Date, s.Total, s.Delta, s.ComputedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}
	return nil
}

func runPurge(ctx context.Context, fromStr, toStr string, yes bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.cfg.Schedule.Location()
	from, err := time.ParseInLocation("2006-01-02", fromStr, loc)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := time.ParseInLocation("2006-01-02", toStr, loc)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}
	to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)

	if !yes {
		fmt.Printf("Delete every post submitted between %s and %s? [y/N] ", fromStr, toStr)
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if ans := strings.ToLower(strings.TrimSpace(answer)); ans != "y" && ans != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}

	n, err := a.submissions.Purge(ctx, from, to)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d posts\n", n)
	return nil
}

func runServe(ctx context.Context, port int, withScheduler bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	if withScheduler {
		if len(a.updaters) == 0 {
			a.log.Warn("no platform configured, scheduler will only record daily snapshots")
		}
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		defer a.scheduler.Stop()
	}

	srv := server.New(server.Deps{
		Store:       a.db,
		Submissions: a.submissions,
		Updaters:    a.updaters,
		Daily:       a.daily,
		Trigger:     a.scheduler,
		Metrics:     a.metrics,
		Log:         a.log.Named("http"),
		Leaderboard: server.LeaderboardOptions{
			MinImpressions: a.cfg.Leaderboard.MinImpressions,
			PinLast:        a.cfg.Leaderboard.PinLast,
		},
		Location:       a.cfg.Schedule.Location(),
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}, port)
	return srv.ListenAndServe(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
