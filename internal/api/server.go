// Package api is the service's HTTP surface: the mail webhook, health and
// readiness probes, and the metrics endpoint. Processing happens elsewhere;
// handlers here validate, enqueue, and report.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/metrics"
)

// NotificationQueue is the monitor surface the webhook hands ids to.
type NotificationQueue interface {
	Enqueue(id string) bool
	Stats() map[string]int64
}

// MailboxChecker verifies the monitored mailbox is reachable. Used by the
// deep health check only.
type MailboxChecker interface {
	CheckMailbox(ctx context.Context, mailbox string) error
}

// SubscriptionStatus reports the state of the push subscription.
type SubscriptionStatus interface {
	CurrentID() string
	ExpiresAt() time.Time
}

// Config carries the HTTP surface settings.
type Config struct {
	Port          int
	Production    bool
	APIKey        string
	HealthAPIKey  string
	MetricsAPIKey string
	ClientState   string
	BodyLimit     int64
	HelmetEnabled bool
	HealthTTL     time.Duration
	Mailbox       string
	CORSOrigins   []string
}

// Deps are the collaborators the handlers read from. Mailbox and
// Subscriptions may be nil; the deep health check then skips them.
type Deps struct {
	Queue         NotificationQueue
	Store         cache.Store
	Mailbox       MailboxChecker
	Subscriptions SubscriptionStatus
	Metrics       *metrics.Metrics
}

const defaultHealthTTL = 30 * time.Second

// Server is the HTTP server for the ops surface and the webhook.
type Server struct {
	cfg   Config
	deps  Deps
	start time.Time

	handler http.Handler
	server  *http.Server

	healthMu   sync.Mutex
	healthBody []byte
	healthCode int
	healthAt   time.Time
}

// NewServer builds the router. The endpoint-specific keys fall back to the
// general API key when unset.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.HealthAPIKey == "" {
		cfg.HealthAPIKey = cfg.APIKey
	}
	if cfg.MetricsAPIKey == "" {
		cfg.MetricsAPIKey = cfg.APIKey
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = defaultHealthTTL
	}

	s := &Server{cfg: cfg, deps: deps, start: time.Now()}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.cfg.HelmetEnabled {
		r.Use(securityHeaders)
	}
	if s.cfg.BodyLimit > 0 {
		r.Use(bodyLimit(s.cfg.BodyLimit))
	}

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	// Public: banner and the provider webhook (authenticated by clientState).
	r.Get("/", s.handleRoot)
	r.Post("/webhooks/mail", s.handleMailWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey(s.cfg.HealthAPIKey))
		r.Get("/health", s.handleHealth)
		r.Get("/health/deep", s.handleDeepHealth)
		r.Get("/ready", s.handleReady)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey(s.cfg.MetricsAPIKey))
		r.Get("/metrics", s.handleMetrics)
	})

	return r
}

// ListenAndServe starts the HTTP server on the configured port.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "phish-triage",
		"status":  "running",
		"uptime":  time.Since(s.start).Round(time.Second).String(),
	})
}

// requireKey guards a route group with one API key. Production with no key
// configured fails closed; development without a key stays open.
func (s *Server) requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				if s.cfg.Production {
					respondError(w, http.StatusServiceUnavailable, "endpoint disabled: no API key configured")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				respondError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

func bodyLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
