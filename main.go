// Package main implements the free games notifier: it records free game
// promotions in a CSV ledger and alerts subscribers as they appear and expire.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"freegames-notifier/alert"
	"freegames-notifier/config"
	"freegames-notifier/email"
	"freegames-notifier/ingest"
	"freegames-notifier/ledger"
	"freegames-notifier/poll"
	"freegames-notifier/scraper"
	"freegames-notifier/server"
	substore "freegames-notifier/storage"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	localDevSalt = "local-development-salt"
	mailFromName = "Free Games"
)

const usage = `Usage: freegames [serve|ingest] [-config file.toml]

  serve   run the status page, alert loop, and optional ingestion schedule (default)
  ingest  fetch the deals listing once and append new promotions to the ledger
`

func main() {
	cmd, args := parseCommand(os.Args[1:])

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configFile := fs.String("config", "", "path to a TOML config file (default $CONFIG_FILE)")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var code int
	switch cmd {
	case "ingest":
		// Logs go to stderr so stdout carries only the result line.
		code = runIngest(ctx, cfg, newLogger(cfg, os.Stderr), os.Stdout)
	case "serve":
		code = runServe(ctx, cfg, newLogger(cfg, os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		code = 2
	}

	stop()
	os.Exit(code)
}

// parseCommand splits the optional leading subcommand from flags.
func parseCommand(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "serve", args
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openLedger returns the ledger store and, in bucket mode, the storage client
// the caller must close.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.Store, *storage.Client, error) {
	if cfg.Bucket == "" {
		logger.Info("Using local ledger", "path", cfg.LedgerPath)
		return ledger.New(nil, "", "", cfg.LedgerPath, logger), nil, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	// A local ledger path still wins; the bucket then only holds subscribers.
	store := ledger.New(client, cfg.Bucket, cfg.LedgerObject, cfg.LedgerPath, logger)
	logger.Info("Using ledger", "location", store.Location())
	return store, client, nil
}

func closeClient(client *storage.Client, logger *slog.Logger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn("Failed to close storage client", "error", err)
	}
}

func newRunner(cfg *config.Config, store *ledger.Store, logger *slog.Logger) *ingest.Runner {
	feed := scraper.New(&http.Client{Timeout: time.Duration(cfg.FetchTimeout)}, cfg.FeedURL, logger)
	return ingest.NewRunner(feed, store, cfg.DedupWindow, logger)
}

func runIngest(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) int {
	store, client, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open ledger", "error", err)
		return 1
	}
	defer closeClient(client, logger)

	res, err := newRunner(cfg, store, logger).Run(ctx)
	if err != nil {
		logger.Error("Ingestion failed", "error", err)
		return 1
	}

	if _, err := fmt.Fprintf(out, "%d rows have been appended to %s\n", len(res.Appended), store.Location()); err != nil {
		logger.Warn("Failed to write result", "error", err)
	}
	return 0
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	logger.Info("Starting free games notifier", "config_sources", cfg.Sources(), "poll_interval", time.Duration(cfg.PollInterval).String())

	store, client, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open ledger", "error", err)
		return 1
	}
	defer closeClient(client, logger)

	salt, err := subscriberSalt(cfg)
	if err != nil {
		logger.Error("Invalid subscriber configuration", "error", err)
		return 1
	}
	if cfg.Salt == "" {
		logger.Warn("SUBSCRIBER_SALT not set, using development salt")
	}
	subscribers := substore.New(client, cfg.Bucket, cfg.SubscriberPath, salt, logger)

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize email provider", "error", err)
		return 1
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:" + cfg.Port
	}
	sender := email.New(provider, subscribers, logger, strings.TrimSuffix(baseURL, "/"))

	// Buffered so a refresh requested while a check runs is kept, and
	// further requests collapse into it.
	trigger := make(chan struct{}, 1)
	refresh := func(int) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	state := alert.NewState(alert.Options{
		Mode:       alert.Mode(cfg.ThresholdMode),
		Thresholds: cfg.ThresholdDurations(),
	})
	monitor := poll.New(store, state, sender, logger, poll.Options{
		Interval: time.Duration(cfg.PollInterval),
		Trigger:  trigger,
	})
	runner := newRunner(cfg, store, logger)

	srv := server.New(&server.Config{
		Viewer:       monitor,
		Ingester:     runner,
		Store:        subscribers,
		Emailer:      sender,
		Logger:       logger,
		IsNotFound:   substore.IsNotFound,
		OnIngest:     refresh,
		ImageTimeout: time.Duration(cfg.ImageTimeout),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	if cfg.IngestSchedule != "" {
		sched, err := ingest.NewScheduler(runner, cfg.IngestSchedule, func(res *ingest.Result) {
			if len(res.Appended) > 0 {
				refresh(len(res.Appended))
			}
		}, logger)
		if err != nil {
			logger.Error("Invalid ingestion schedule", "error", err)
			return 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	if cfg.WatchLedger && cfg.LedgerPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o750); err != nil {
			logger.Error("Failed to create ledger directory", "error", err)
			return 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poll.WatchFile(ctx, cfg.LedgerPath, trigger, logger); err != nil {
				logger.Warn("Ledger watch stopped, falling back to polling only", "error", err)
			}
		}()
	}

	code := 0
	if err := srv.ListenAndServe(ctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		code = 1
	}

	cancel()
	wg.Wait()
	logger.Info("Shutdown complete")
	return code
}

// subscriberSalt returns the HMAC key for subscriber tokens. Bucket
// deployments must set one; tokens would otherwise be guessable.
func subscriberSalt(cfg *config.Config) ([]byte, error) {
	if cfg.Salt != "" {
		return []byte(cfg.Salt), nil
	}
	if cfg.Bucket != "" {
		return nil, errors.New("SUBSCRIBER_SALT is required with STORAGE_BUCKET")
	}
	return []byte(localDevSalt), nil
}

// newProvider picks Brevo when an API key is set, then Gmail, then the mock
// provider for local development.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	if cfg.BrevoAPIKey != "" {
		if cfg.MailFrom == "" {
			return nil, errors.New("MAIL_FROM is required with BREVO_API_KEY")
		}
		logger.Info("Using Brevo email provider", "from", cfg.MailFrom)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, mailFromName, logger), nil
	}

	if cfg.GoogleCredsSet || isCloudRun(ctx) {
		svc, err := initGmailService(ctx)
		if err != nil {
			if cfg.Bucket != "" {
				return nil, err
			}
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			return email.NewMockProvider(logger), nil
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, cfg.MailFrom, logger), nil
	}

	logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
	return email.NewMockProvider(logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close metadata response", "error", closeErr)
		}
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account's Application Default Credentials
	// need the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
