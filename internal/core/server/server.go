package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/health"
	middleware "github.com/mohammed-shakir/building-footprints/internal/core/middleware"
	"github.com/mohammed-shakir/building-footprints/internal/core/router"
)

type Options struct {
	Service router.Service
	// Metrics serves /metrics. Defaults to the global Prometheus registry.
	Metrics http.Handler
	Ready   map[string]health.Check
}

func NewRouter(logger *slog.Logger, opts Options) http.Handler {
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, opts.Ready))
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/buildings", router.HandleBuildingsGet(logger, opts.Service))
		r.Post("/buildings", router.HandleBuildingsPost(logger, opts.Service))
		r.Get("/providers", router.HandleProviders(opts.Service))
	})
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(logger, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// fetches of large areas stream for minutes
		WriteTimeout: cfg.FetchTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
