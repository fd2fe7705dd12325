// Package config loads and validates sitewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitewatch/internal/normalize"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Sites     SitesConfig      `mapstructure:"sites"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	DNS       DNSConfig        `mapstructure:"dns"`
	Headless  HeadlessConfig   `mapstructure:"headless"`
	Backoff   BackoffConfig    `mapstructure:"backoff"`
	Normalize normalize.Config `mapstructure:"normalize"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Store     StoreConfig      `mapstructure:"store"`
	Alerts    AlertsConfig     `mapstructure:"alerts"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig sets how often the store is scanned for due sites.
type SchedulerConfig struct {
	TickSeconds int `mapstructure:"tick_seconds"`
}

// WorkerConfig sizes the check pool.
type WorkerConfig struct {
	Concurrency         int `mapstructure:"concurrency"`
	QueueDepth          int `mapstructure:"queue_depth"`
	CheckTimeoutSeconds int `mapstructure:"check_timeout_seconds"`
}

// SitesConfig bounds per-site check intervals.
type SitesConfig struct {
	DefaultIntervalMinutes int `mapstructure:"default_interval_minutes"`
	MinIntervalMinutes     int `mapstructure:"min_interval_minutes"`
}

// HTTPConfig configures the HTTP probe.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRedirects   int     `mapstructure:"max_redirects"`
	UserAgent      string  `mapstructure:"user_agent"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
	// SlowThresholdMs flags reachable checks slower than this. Zero disables it.
	SlowThresholdMs int64 `mapstructure:"slow_threshold_ms"`
}

// DNSConfig configures record-set collection.
type DNSConfig struct {
	Servers        []string `mapstructure:"servers"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	RecordTypes    []string `mapstructure:"record_types"`
	ReverseLookup  bool     `mapstructure:"reverse_lookup"`
}

// HeadlessConfig configures the screenshot renderer.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	ViewportWidth     int  `mapstructure:"viewport_width"`
	ViewportHeight    int  `mapstructure:"viewport_height"`
	Quality           int  `mapstructure:"quality"`
	SettleMs          int  `mapstructure:"settle_ms"`
}

// BackoffConfig stretches intervals for failing sites.
type BackoffConfig struct {
	Multiplier float64 `mapstructure:"multiplier"`
	MaxFactor  float64 `mapstructure:"max_factor"`
}

// StorageConfig selects where screenshots are written.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	BaseDir       string `mapstructure:"base_dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
}

// StoreConfig selects the durable backing for site records.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// AlertsConfig controls delivery retries and concurrency.
type AlertsConfig struct {
	MaxAttempts            int `mapstructure:"max_attempts"`
	BackoffInitialMs       int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
	LaneBuffer             int `mapstructure:"lane_buffer"`
	MaxConcurrent          int `mapstructure:"max_concurrent"`
	DeliveryTimeoutSeconds int `mapstructure:"delivery_timeout_seconds"`
}

// NotifyConfig lists the notification targets. Every configured target
// receives every alert.
type NotifyConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookFormat string `mapstructure:"webhook_format"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
	Log           bool   `mapstructure:"log"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features and the optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.check_timeout_seconds", 90)
	v.SetDefault("sites.default_interval_minutes", 30)
	v.SetDefault("sites.min_interval_minutes", 5)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("http.user_agent", "sitewatch/0.1 (+https://github.com/JakeFAU/sitewatch)")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.per_host_rps", 1.0)
	v.SetDefault("http.per_host_burst", 2)
	v.SetDefault("http.slow_threshold_ms", 5000)
	v.SetDefault("dns.timeout_seconds", 5)
	v.SetDefault("dns.record_types", []string{"A", "AAAA", "MX", "NS"})
	v.SetDefault("dns.reverse_lookup", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.viewport_width", 1920)
	v.SetDefault("headless.viewport_height", 1080)
	v.SetDefault("headless.quality", 90)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.max_factor", 8.0)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "data/screenshots")
	v.SetDefault("storage.prefix", "sitewatch")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.table", "sites")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("alerts.max_attempts", 5)
	v.SetDefault("alerts.backoff_initial_ms", 500)
	v.SetDefault("alerts.backoff_max_ms", 30000)
	v.SetDefault("alerts.lane_buffer", 32)
	v.SetDefault("alerts.max_concurrent", 4)
	v.SetDefault("alerts.delivery_timeout_seconds", 10)
	v.SetDefault("notify.webhook_format", "json")
	v.SetDefault("notify.log", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth < c.Worker.Concurrency {
		return fmt.Errorf("worker.queue_depth must be >= worker.concurrency")
	}
	if c.Worker.CheckTimeoutSeconds <= 0 {
		return fmt.Errorf("worker.check_timeout_seconds must be > 0")
	}
	if c.Sites.MinIntervalMinutes < 5 {
		return fmt.Errorf("sites.min_interval_minutes must be >= 5")
	}
	if c.Sites.DefaultIntervalMinutes < c.Sites.MinIntervalMinutes {
		return fmt.Errorf("sites.default_interval_minutes must be >= sites.min_interval_minutes")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRedirects < 1 {
		return fmt.Errorf("http.max_redirects must be >= 1")
	}
	if c.HTTP.SlowThresholdMs < 0 {
		return fmt.Errorf("http.slow_threshold_ms must be >= 0")
	}
	if c.HTTP.PerHostRPS < 0 {
		return fmt.Errorf("http.per_host_rps must be >= 0")
	}
	if c.Headless.Enabled {
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
		}
		if c.Headless.MaxParallel > c.Worker.Concurrency {
			return fmt.Errorf("headless.max_parallel (%d) must not exceed worker.concurrency (%d)",
				c.Headless.MaxParallel, c.Worker.Concurrency)
		}
	}
	if c.Backoff.Multiplier < 1 || c.Backoff.MaxFactor < 1 {
		return fmt.Errorf("backoff.multiplier and backoff.max_factor must be >= 1")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.Alerts.MaxAttempts <= 0 {
		return fmt.Errorf("alerts.max_attempts must be > 0")
	}
	if c.Alerts.MaxConcurrent <= 0 {
		return fmt.Errorf("alerts.max_concurrent must be > 0")
	}
	return c.validateNotify()
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs; got %q", c.Storage.Backend)
	}
	return nil
}

func (c Config) validateStore() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, sqlite, postgres; got %q", c.Store.Driver)
	}
	return nil
}

func (c Config) validateNotify() error {
	n := c.Notify
	if (n.PubSubProject == "") != (n.PubSubTopic == "") {
		return errors.New("notify.pubsub_project and notify.pubsub_topic must be set together")
	}
	if n.WebhookURL != "" {
		switch strings.ToLower(n.WebhookFormat) {
		case "", "json", "slack", "discord":
		default:
			return fmt.Errorf("notify.webhook_format must be one of json, slack, discord; got %q", n.WebhookFormat)
		}
	}
	return nil
}

// Seconds converts a whole-second config value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a millisecond config value to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
