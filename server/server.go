// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"torweather/onionoo"
	"torweather/pkg/weather"
	"torweather/storage"
	"torweather/subs"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

// Templates.
var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Manager is the subscription management surface the handlers use.
type Manager interface {
	Subscribe(ctx context.Context, fingerprint string, emails []string, kinds []weather.Notif, durationHours int) (*weather.Subscription, error)
	UnsubscribeAll(ctx context.Context, fingerprint, email string) error
	UnsubscribeNotif(ctx context.Context, fingerprint, email string, kind weather.Notif) error
	Status(ctx context.Context, fingerprint string) (*weather.Subscription, error)
}

// Checker triggers a full notification evaluation pass.
type Checker interface {
	RunAll(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	manager Manager
	checker Checker
	logger  *slog.Logger
	limiter *rateLimiter
	baseURL string
}

// Config holds server configuration.
type Config struct {
	Manager Manager
	Checker Checker
	Logger  *slog.Logger
	BaseURL string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		manager: cfg.Manager,
		checker: cfg.Checker,
		logger:  cfg.Logger,
		limiter: newRateLimiter(),
		baseURL: cfg.BaseURL,
	}
}

// Handler returns the route multiplexer. Split out from ListenAndServe so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/checkz", s.handleCheck)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	return mux
}

// ListenAndServe sets up all routes and starts the server.
func (s *Server) ListenAndServe(port string) error {
	// Timeouts prevent resource exhaustion from slow clients
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	setSecurityHeaders(w)
	if err := templates.ExecuteTemplate(w, "index.tmpl", nil); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Check endpoint triggered")

	if err := s.checker.RunAll(r.Context()); err != nil {
		s.logger.Error("Manual check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
}

// writeError maps domain errors to HTTP status codes and renders the
// error page.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"

	// An unknown-relay failure also wraps ErrInvalidFingerprint, so the
	// not-found check has to come first.
	switch {
	case errors.Is(err, onionoo.ErrRelayNotFound):
		status = http.StatusNotFound
		msg = "No Tor relay found with that fingerprint"
	case errors.Is(err, subs.ErrInvalidFingerprint):
		status = http.StatusBadRequest
		msg = "Invalid relay fingerprint: must be 40 hexadecimal characters"
	case errors.Is(err, subs.ErrInvalidEmail):
		status = http.StatusBadRequest
		msg = "Invalid email address"
	case errors.Is(err, subs.ErrNoNotifs):
		status = http.StatusBadRequest
		msg = "Select at least one notification type"
	case errors.Is(err, storage.ErrAlreadySubscribed):
		status = http.StatusConflict
		msg = "This relay already has a subscription"
	case errors.Is(err, storage.ErrNotifNotSubscribed):
		status = http.StatusNotFound
		msg = "No subscription for that notification type"
	case errors.Is(err, storage.ErrNotSubscribed):
		status = http.StatusNotFound
		msg = "No subscription found for that relay"
	case errors.Is(err, subs.ErrEmailMismatch):
		status = http.StatusForbidden
		msg = "Email address does not match the subscription"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}

	setSecurityHeaders(w)
	w.WriteHeader(status)
	if terr := templates.ExecuteTemplate(w, "error.tmpl", map[string]string{"Message": msg}); terr != nil {
		s.logger.Error("Failed to render template", "template", "error.tmpl", "error", terr)
		http.Error(w, msg, status)
	}
}
