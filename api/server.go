// Package api exposes the document pipeline over HTTP.
//
// Endpoints:
//
//	GET    /health                          liveness probe
//	GET    /ready                           readiness probe (pings Postgres when configured)
//	POST   /api/documents                   upload a PDF (multipart, field "file")
//	GET    /api/documents                   list documents (?q= filters by filename)
//	GET    /api/documents/{id}              one document with status
//	DELETE /api/documents/{id}              remove a document everywhere
//	POST   /api/documents/{id}/reprocess    re-extract, re-chunk, re-embed
//	GET    /api/documents/{id}/preview      first/last lines of cleaned text
//	GET    /api/pdfs/{filename}             fetch the stored PDF
//	POST   /api/ask                         top-k chunk retrieval for a question
//
// File structure mirrors the handlers: server.go (setup and lifecycle),
// documents.go, ask.go, health.go, middleware.go, ratelimit.go, response.go.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/paperbase/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "localhost:8080"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against Slowloris-style slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is generous because uploads carry whole PDFs.
	ReadTimeout = 120 * time.Second

	WriteTimeout = 60 * time.Second
	IdleTimeout  = 120 * time.Second
)

// Server is the HTTP front of the pipeline.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health    *HealthHandler
	documents *DocumentsHandler
	ask       *AskHandler

	limiter *rateLimiter
}

// Options tunes the server beyond its handlers.
type Options struct {
	// RequestsPerSecond is the per-IP rate limit; zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// TrustProxy enables X-Real-IP / X-Forwarded-For for client IPs.
	TrustProxy bool
}

// NewServer wires all routes. pool may be nil when the Postgres backend is
// disabled; readiness then skips the database ping.
func NewServer(p Pipeline, pool *pgxpool.Pool, opts Options, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.With("component", "api")

	mux := http.NewServeMux()
	s := &Server{
		mux:       mux,
		logger:    logger,
		health:    NewHealthHandler(pool, logger),
		documents: NewDocumentsHandler(p, logger),
		ask:       NewAskHandler(p, logger),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RequestsPerSecond) + 1
		}
		s.limiter = newRateLimiter(opts.RequestsPerSecond, burst, opts.TrustProxy)
	}

	s.health.RegisterRoutes(mux)
	s.documents.RegisterRoutes(mux)
	s.ask.RegisterRoutes(mux)
	return s
}

// Handler returns the mux with middleware applied, outermost first:
// recovery, logging, then rate limiting.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, rateLimitMiddleware(s.limiter, s.logger))
	}
	return chain(s.mux, middlewares...)
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
