// Package config loads service settings from defaults, an optional TOML
// file, and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"freegames-notifier/alert"
	"freegames-notifier/ingest"
	"freegames-notifier/scraper"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultLedgerFile   = "free_games.csv"
	defaultLedgerObject = "free_games.csv"
	defaultPort         = "8080"
	defaultPollInterval = 60 * time.Second
	defaultLocalDir     = "./data"
	defaultImageTimeout = 10 * time.Second
	defaultFetchTimeout = 30 * time.Second
)

// Config holds all service settings.
type Config struct {
	LedgerPath     string     `toml:"ledger_path"`     // Local ledger file; empty with a bucket set
	Bucket         string     `toml:"storage_bucket"`  // Cloud Storage bucket for ledger and subscribers
	LedgerObject   string     `toml:"ledger_object"`   // Object name of the ledger in Bucket
	SubscriberPath string     `toml:"subscriber_path"` // Local subscriber directory
	FeedURL        string     `toml:"feed_url"`
	IngestSchedule string     `toml:"ingest_schedule"` // Cron spec; empty disables in-process ingestion
	ThresholdMode  string     `toml:"threshold_mode"`
	Port           string     `toml:"port"`
	BaseURL        string     `toml:"base_url"`
	MailFrom       string     `toml:"mail_from"`
	BrevoAPIKey    string     `toml:"brevo_api_key"`
	Salt           string     `toml:"subscriber_salt"`
	LogLevel       string     `toml:"log_level"`
	source         []string   // Where values came from, for the startup log
	Thresholds     []Duration `toml:"thresholds"`
	DedupWindow    int        `toml:"dedup_window"` // 0 scans the whole ledger
	PollInterval   Duration   `toml:"poll_interval"`
	FetchTimeout   Duration   `toml:"fetch_timeout"`
	ImageTimeout   Duration   `toml:"image_timeout"`
	WatchLedger    bool       `toml:"watch_ledger"`
	GoogleCredsSet bool       `toml:"-"`
}

// Duration is a time.Duration that reads "90s"-style strings from TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	thresholds := make([]Duration, 0, len(alert.DefaultThresholds))
	for _, t := range alert.DefaultThresholds {
		thresholds = append(thresholds, Duration(t))
	}
	return &Config{
		LedgerObject:  defaultLedgerObject,
		FeedURL:       scraper.DefaultFeedURL,
		ThresholdMode: string(alert.ModeCrossing),
		Port:          defaultPort,
		LogLevel:      "info",
		Thresholds:    thresholds,
		DedupWindow:   ingest.DefaultWindow,
		PollInterval:  Duration(defaultPollInterval),
		FetchTimeout:  Duration(defaultFetchTimeout),
		ImageTimeout:  Duration(defaultImageTimeout),
		source:        []string{"defaults"},
	}
}

// Load builds the configuration. path names an optional TOML file; an
// empty path falls back to $CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(body, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg.source = append(cfg.source, path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillLocations()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
			c.source = append(c.source, "$"+key)
		}
	}

	// FILE_DIRECTORY is the directory the ledger has always lived in.
	if dir := strings.TrimSpace(os.Getenv("FILE_DIRECTORY")); dir != "" {
		c.LedgerPath = filepath.Join(dir, defaultLedgerFile)
		c.source = append(c.source, "$FILE_DIRECTORY")
	}
	str("LEDGER_PATH", &c.LedgerPath)
	str("STORAGE_BUCKET", &c.Bucket)
	str("LEDGER_OBJECT", &c.LedgerObject)
	str("SUBSCRIBER_PATH", &c.SubscriberPath)
	str("FEED_URL", &c.FeedURL)
	str("INGEST_SCHEDULE", &c.IngestSchedule)
	str("THRESHOLD_MODE", &c.ThresholdMode)
	str("PORT", &c.Port)
	str("BASE_URL", &c.BaseURL)
	str("MAIL_FROM", &c.MailFrom)
	str("BREVO_API_KEY", &c.BrevoAPIKey)
	str("SUBSCRIBER_SALT", &c.Salt)
	str("LOG_LEVEL", &c.LogLevel)

	if v := strings.TrimSpace(os.Getenv("DEDUP_WINDOW")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEDUP_WINDOW: %w", err)
		}
		c.DedupWindow = n
	}

	for key, dst := range map[string]*Duration{
		"POLL_INTERVAL": &c.PollInterval,
		"FETCH_TIMEOUT": &c.FetchTimeout,
		"IMAGE_TIMEOUT": &c.ImageTimeout,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("THRESHOLDS")); v != "" {
		var thresholds []Duration
		for _, part := range strings.Split(v, ",") {
			var d Duration
			if err := d.UnmarshalText([]byte(part)); err != nil {
				return fmt.Errorf("THRESHOLDS: %w", err)
			}
			thresholds = append(thresholds, d)
		}
		c.Thresholds = thresholds
	}

	if v := strings.TrimSpace(os.Getenv("WATCH_LEDGER")); v != "" {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WATCH_LEDGER: %w", err)
		}
		c.WatchLedger = watch
	}

	c.GoogleCredsSet = os.Getenv("GOOGLE_CREDENTIALS_JSON") != ""
	return nil
}

// fillLocations defaults to local development mode when no bucket is set.
func (c *Config) fillLocations() {
	if c.Bucket != "" {
		return
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(defaultLocalDir, defaultLedgerFile)
	}
	if c.SubscriberPath == "" {
		c.SubscriberPath = filepath.Join(filepath.Dir(c.LedgerPath), "subscribers")
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.LedgerPath == "" && c.Bucket == "" {
		errs = append(errs, errors.New("either ledger_path or storage_bucket is required"))
	}
	if c.Bucket != "" && c.LedgerPath == "" && c.LedgerObject == "" {
		errs = append(errs, errors.New("ledger_object is required with storage_bucket"))
	}
	if c.DedupWindow < 0 {
		errs = append(errs, fmt.Errorf("dedup_window must be >= 0, got %d", c.DedupWindow))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", time.Duration(c.PollInterval)))
	}
	if len(c.Thresholds) == 0 {
		errs = append(errs, errors.New("at least one threshold is required"))
	}
	for _, t := range c.Thresholds {
		if t <= 0 {
			errs = append(errs, fmt.Errorf("threshold must be positive, got %s", time.Duration(t)))
		}
	}
	switch alert.Mode(c.ThresholdMode) {
	case alert.ModeCrossing, alert.ModeExact:
	default:
		errs = append(errs, fmt.Errorf("threshold_mode must be %q or %q, got %q", alert.ModeCrossing, alert.ModeExact, c.ThresholdMode))
	}
	if c.IngestSchedule != "" {
		if _, err := cron.ParseStandard(c.IngestSchedule); err != nil {
			errs = append(errs, fmt.Errorf("ingest_schedule: %w", err))
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ThresholdDurations returns the thresholds as time.Durations.
func (c *Config) ThresholdDurations() []time.Duration {
	out := make([]time.Duration, 0, len(c.Thresholds))
	for _, t := range c.Thresholds {
		out = append(out, time.Duration(t))
	}
	return out
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Sources lists where configuration values were read from.
func (c *Config) Sources() []string {
	return c.source
}
