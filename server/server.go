// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"freegames-notifier/ingest"
	"freegames-notifier/pkg/promo"
	"freegames-notifier/poll"

	"golang.org/x/time/rate"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"utc": func(t time.Time) string { return t.UTC().Format("Jan 2, 2006 15:04 UTC") },
}).ParseFS(templateFS, "tmpl/*.tmpl"))

// Viewer exposes the consumer loop's latest results.
type Viewer interface {
	View() *poll.Cycle
	Recent() []promo.Event
	Find(id int) (promo.Active, bool)
}

// Ingester runs one producer pass.
type Ingester interface {
	Run(ctx context.Context) (*ingest.Result, error)
}

// Store interface for subscriber management.
type Store interface {
	NewSubscriber(email string, now time.Time) *promo.Subscriber
	LoadByEmail(ctx context.Context, email string) (*promo.Subscriber, error)
	LoadByToken(ctx context.Context, token string) (*promo.Subscriber, error)
	Save(ctx context.Context, sub *promo.Subscriber) error
	Delete(ctx context.Context, email string) error
}

// Emailer interface for sending welcome emails.
type Emailer interface {
	SendWelcome(ctx context.Context, sub *promo.Subscriber, ip, userAgent string) error
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Config holds server configuration.
type Config struct {
	Viewer       Viewer
	Ingester     Ingester
	Store        Store
	Emailer      Emailer
	Logger       *slog.Logger
	IsNotFound   IsNotFound
	OnIngest     func(appended int) // Optional; called after an ingestion appended rows
	ImageClient  *http.Client       // Optional; defaults to a client with ImageTimeout
	ImageTimeout time.Duration
}

// Server handles HTTP requests.
type Server struct {
	viewer       Viewer
	ingester     Ingester
	store        Store
	emailer      Emailer
	logger       *slog.Logger
	isNotFound   IsNotFound
	onIngest     func(int)
	imageClient  *http.Client
	ingestLimit  *rate.Limiter
	visitors     *visitorLimiter
	imageTimeout time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	timeout := cfg.ImageTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.ImageClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Server{
		viewer:       cfg.Viewer,
		ingester:     cfg.Ingester,
		store:        cfg.Store,
		emailer:      cfg.Emailer,
		logger:       cfg.Logger,
		isNotFound:   cfg.IsNotFound,
		onIngest:     cfg.OnIngest,
		imageClient:  client,
		ingestLimit:  rate.NewLimiter(rate.Every(30*time.Second), 2),
		visitors:     newVisitorLimiter(rate.Every(12*time.Minute), 5),
		imageTimeout: timeout,
	}
}

// Handler returns the router for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/active", s.handleActive)
	mux.HandleFunc("GET /thumb/{id}", s.handleThumb)
	mux.HandleFunc("POST /ingestz", s.handleIngest)
	mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // Ingestion runs inside the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func setPageHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	setPageHeaders(w)
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
	}
}

type statusRow struct {
	Title  string
	Source string
	Left   string
	ID     int
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"SavedEmail": emailCookie(r),
		"Checked":    false,
	}

	if view := s.viewer.View(); view != nil {
		rows := make([]statusRow, 0, len(view.Active))
		for _, a := range view.Active {
			rows = append(rows, statusRow{ID: a.ID, Title: a.Title, Source: a.Source, Left: a.Remaining.String()})
		}
		data["Checked"] = true
		data["CheckedAt"] = view.At
		data["Rows"] = rows
	}

	s.render(w, http.StatusOK, "status.tmpl", data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type activeRow struct {
	Title    string `json:"title"`
	Source   string `json:"source"`
	ImageURL string `json:"image_url,omitempty"`
	End      string `json:"end"`
	ID       int    `json:"id"`
	promo.Remaining
}

type activeResponse struct {
	CheckedAt *time.Time    `json:"checked_at,omitempty"`
	Active    []activeRow   `json:"active"`
	Events    []promo.Event `json:"recent_events"`
	Skipped   int           `json:"skipped_rows"`
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	resp := activeResponse{Active: []activeRow{}, Events: s.viewer.Recent()}
	if resp.Events == nil {
		resp.Events = []promo.Event{}
	}
	if view := s.viewer.View(); view != nil {
		at := view.At
		resp.CheckedAt = &at
		resp.Skipped = view.Skipped
		for _, a := range view.Active {
			resp.Active = append(resp.Active, activeRow{
				ID:        a.ID,
				Title:     a.Title,
				Source:    a.Source,
				ImageURL:  a.ImageURL,
				End:       a.End.UTC().Format(time.RFC3339),
				Remaining: a.Remaining,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.ingestLimit.Allow() {
		s.logger.Warn("Ingest rate limit exceeded", "ip", clientIP(r))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return
	}

	s.logger.Info("Ingest endpoint triggered", "ip", clientIP(r))
	res, err := s.ingester.Run(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if promo.IsFeedUnavailable(err) {
			status = http.StatusBadGateway
		}
		s.logger.Error("Ingestion failed", "error", err)
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if len(res.Appended) > 0 && s.onIngest != nil {
		s.onIngest(len(res.Appended))
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"appended":   len(res.Appended),
		"candidates": res.Candidates,
		"duplicates": res.Duplicates(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
