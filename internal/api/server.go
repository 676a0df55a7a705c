// Package api provides the HTTP API server for Inboxorcist.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/inboxorcist/inboxorcist/internal/config"
	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

// JobController defines the job runner operations the API needs.
type JobController interface {
	Enqueue(accountID, userID, jobType string, payload interface{}) (*store.Job, error)
	Cancel(jobID string) error
	Pause(jobID string) error
	Resume(jobID string) error
}

// ThrottleReporter returns the live throttle stats for an account, or nil
// when no client has been built for it yet.
type ThrottleReporter func(accountID string) *gmail.ThrottleStats

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	jobs        JobController
	throttles   ThrottleReporter
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, st *store.Store, jobs JobController, throttles ThrottleReporter, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		jobs:      jobs,
		throttles: throttles,
		logger:    logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// Rate limiting (10 req/sec with burst of 20)
	s.rateLimiter = NewRateLimiter(10, 20)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// API routes (auth required)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/accounts", s.handleListAccounts)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/health", s.handleAccountHealth)
			r.Get("/stats", s.handleStats)
			r.Get("/senders", s.handleSenders)
			r.Get("/subscriptions", s.handleSubscriptions)
			r.Post("/subscriptions/unsubscribed", s.handleMarkUnsubscribed)
			r.Get("/jobs", s.handleListJobs)

			r.Post("/query", s.handleQuery)
			r.Post("/query/snapshot", s.handleQuerySnapshot)
			r.Post("/breakdown", s.handleBreakdown)

			r.Post("/sync", s.handleEnqueueSync)
			r.Post("/trash", s.handleEnqueueBulk(store.JobTypeTrash))
			r.Post("/delete", s.handleEnqueueBulk(store.JobTypeDelete))
			r.Post("/labels", s.handleEnqueueBulk(store.JobTypeApplyLabel))
		})

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/cancel", s.handleJobAction("cancel"))
			r.Post("/pause", s.handleJobAction("pause"))
			r.Post("/resume", s.handleJobAction("resume"))
		})
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication, set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key configured
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			authHeader = r.Header.Get("X-API-Key")
		}
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			authHeader = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
