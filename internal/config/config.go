package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Sources     SourcesConfig     `yaml:"sources"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Redis       RedisConfig       `yaml:"redis"`
}

// DatabaseConfig selects the content store. Driver is "sqlite" (Path) or
// "postgres" (DSN).
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Source returns the driver-specific data source string.
func (d DatabaseConfig) Source() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	return d.Path
}

// ScheduleConfig configures the batch and daily snapshot intervals.
type ScheduleConfig struct {
	UpdateInterval string `yaml:"update_interval"`
	DailyInterval  string `yaml:"daily_interval"`
	FetchDelay     string `yaml:"fetch_delay"`
	MaxItems       int    `yaml:"max_items"`
	Timezone       string `yaml:"timezone"`
}

// ParseUpdateInterval returns the update interval as time.Duration.
func (s ScheduleConfig) ParseUpdateInterval() time.Duration {
	return parseDuration(s.UpdateInterval, 10*time.Minute)
}

// ParseDailyInterval returns the daily snapshot interval as time.Duration.
func (s ScheduleConfig) ParseDailyInterval() time.Duration {
	return parseDuration(s.DailyInterval, time.Hour)
}

// ParseFetchDelay returns the pause between fetches, never below one second.
func (s ScheduleConfig) ParseFetchDelay() time.Duration {
	return max(parseDuration(s.FetchDelay, time.Second), time.Second)
}

// Location resolves Timezone, falling back to UTC.
func (s ScheduleConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SourcesConfig holds the metric fetchers.
type SourcesConfig struct {
	X      XConfig      `yaml:"x"`
	Reddit RedditConfig `yaml:"reddit"`
}

// XConfig for the X API v2 fetcher.
type XConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BearerToken  string `yaml:"bearer_token"`
	BaseURL      string `yaml:"base_url"`
	MonthlyQuota int    `yaml:"monthly_quota"`
}

// RedditConfig for the Reddit fetcher.
type RedditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	APIURL       string `yaml:"api_url"`
	MonthlyQuota int    `yaml:"monthly_quota"`
}

// LeaderboardConfig tunes ranking.
type LeaderboardConfig struct {
	MinImpressions int64  `yaml:"min_impressions"`
	PinLast        string `yaml:"pin_last"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig enables the cross-process batch lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LockTTL  string `yaml:"lock_ttl"`
}

// ParseLockTTL returns the lock TTL as time.Duration.
func (r RedisConfig) ParseLockTTL() time.Duration {
	return parseDuration(r.LockTTL, 30*time.Minute)
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./ambdash.db"},
		Schedule: ScheduleConfig{
			UpdateInterval: "10m",
			DailyInterval:  "1h",
			FetchDelay:     "1s",
			Timezone:       "UTC",
		},
		Sources: SourcesConfig{
			X: XConfig{
				Enabled:      true,
				BaseURL:      "https://api.x.com",
				MonthlyQuota: 100,
			},
			Reddit: RedditConfig{
				Enabled:      false,
				AuthURL:      "https://www.reddit.com",
				APIURL:       "https://oauth.reddit.com",
				MonthlyQuota: 1000,
			},
		},
		Server: ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads .env files, then the YAML file, then applies env var overrides.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env without overriding variables already set. A missing
// file is fine.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Schedule.MaxItems < 0 {
		return errors.New("schedule.max_items must not be negative")
	}
	if c.Leaderboard.MinImpressions < 0 {
		return errors.New("leaderboard.min_impressions must not be negative")
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AMBDASH_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("AMBDASH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("X_BEARER_TOKEN"); v != "" {
		cfg.Sources.X.BearerToken = v
		cfg.Sources.X.Enabled = true
	}
	if v := os.Getenv("X_MONTHLY_QUOTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sources.X.MonthlyQuota = n
		}
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.Sources.Reddit.ClientID = v
		cfg.Sources.Reddit.Enabled = true
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.Sources.Reddit.ClientSecret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("AMBDASH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AMBDASH_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
}
