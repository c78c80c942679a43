// Package server exposes the chat pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/docuchat/ragd/internal/auth"
	"github.com/docuchat/ragd/internal/cache"
	"github.com/docuchat/ragd/internal/pipeline"
)

// ChatService is the pipeline surface the handlers depend on.
type ChatService interface {
	Chat(ctx context.Context, req pipeline.ChatRequest) (*pipeline.ChatResponse, error)
	ChatStream(ctx context.Context, req pipeline.ChatRequest) (*pipeline.StreamSession, error)
}

// ReadinessChecker reports whether a backing dependency can serve.
type ReadinessChecker interface {
	CollectionExists(ctx context.Context) (bool, error)
}

// Config holds the server's listen and auth settings.
type Config struct {
	Port       int
	APIKey     string
	JWTManager *auth.JWTManager
}

// Server is the HTTP front of the service.
type Server struct {
	chat      ChatService
	cache     cache.Cache
	readiness ReadinessChecker
	cfg       Config
	logger    *slog.Logger
	http      *http.Server
}

// New creates a server with its routes mounted.
func New(chat ChatService, c cache.Cache, readiness ReadinessChecker, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		chat:      chat,
		cache:     c,
		readiness: readiness,
		cfg:       cfg,
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.cfg.APIKey, s.cfg.JWTManager, s.logger))

		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/auth/token", s.handleToken)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request in the access-log style.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
			"request_id", middleware.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
