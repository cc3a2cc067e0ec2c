package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/tileforge/internal/core/config"
	"github.com/mohammed-shakir/tileforge/internal/core/health"
	middleware "github.com/mohammed-shakir/tileforge/internal/core/middleware"
	"github.com/mohammed-shakir/tileforge/internal/core/router"
)

// Probes feeds /readyz. Metrics defaults to the global registry.
type Probes struct {
	Reporter health.ReadinessReporter
	Checks   []health.Check
	Metrics  http.Handler
}

func (p Probes) metrics() http.Handler {
	if p.Metrics != nil {
		return p.Metrics
	}
	return promhttp.Handler()
}

// Handler builds the full route tree.
func Handler(cfg config.Config, logger *slog.Logger, h *router.Handler, p Probes) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(p.Reporter, p.Checks...))
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		r.Get(cfg.Metrics.Path, p.metrics().ServeHTTP)
	}
	h.Routes(r)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, h *router.Handler, p Probes) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Handler(cfg, logger, h, p),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Limits.Render + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	servers := []*http.Server{srv}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, p.metrics())
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("http listen", "addr", s.Addr)
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s)
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(shutdownCtx)
		}
	}

	select {
	case <-ctx.Done():
		shutdown()
		return nil
	case err := <-errCh:
		shutdown()
		return err
	}
}
