// Package httpserver bootstraps Errly's HTTP server: a chi router wrapped
// in security-header middleware, with signal-driven graceful shutdown.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"errly/pkg/logger"
)

// ShutdownBudget is the hard ceiling for in-flight requests to finish
// during a graceful shutdown before the listener is force-closed.
const ShutdownBudget = 8 * time.Second

const contentSecurityPolicy = "default-src 'self'; script-src 'self'; style-src 'self'; " +
	"connect-src 'self'; img-src 'self' data:; font-src 'self'; object-src 'none'; " +
	"frame-ancestors 'none'; base-uri 'self'; form-action 'self'"

// Server wraps an http.Server with Errly's router and shutdown policy.
type Server struct {
	httpServer *http.Server
	Router     chi.Router
}

// New builds a Server listening on port, with the standard middleware
// chain applied (request ID, recoverer, structured request logging,
// security headers) ahead of caller-registered routes.
func New(port int) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	return &Server{
		Router: r,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // SSE streams hold the connection open indefinitely
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Run starts the server and blocks until SIGINT/SIGTERM triggers a
// graceful shutdown, or the server fails to start.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		logger.Log.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Log.Info("shutting down due to parent context cancellation")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownBudget)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("graceful shutdown did not complete in time, forcing close", "error", err)
		return s.httpServer.Close()
	}

	logger.Log.Info("http server stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// securityHeaders sets a conservative baseline of security headers on
// every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", contentSecurityPolicy)
		next.ServeHTTP(w, r)
	})
}
