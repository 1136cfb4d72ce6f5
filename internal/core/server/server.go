package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/config"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/health"
	middleware "github.com/mohammed-shakir/hazard-aggregator/internal/core/middleware"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/router"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness"
	"github.com/mohammed-shakir/hazard-aggregator/internal/mapper"
)

type Deps struct {
	Hazards router.HazardService
	Ready   []health.Check
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Mapper  mapper.Interface
	Hotness hotness.Interface
	H3Res   int
}

// Handler builds the HTTP routes.
func Handler(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	limits := router.Limits{DefaultRadius: cfg.DefaultRadiusM, MaxRadius: cfg.MaxRadiusM}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins...))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, d.Ready...))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	r.Get("/api/hazards", router.HandleHazards(logger, limits, d.Hazards))
	if d.Mapper != nil && d.Hotness != nil {
		r.Get("/api/hotness", router.HandleHotness(logger, limits, d.Mapper, d.H3Res, d.Hotness))
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down within cfg.ShutdownTimeout.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, cfg, logger, d)
}

func newHTTPServer(cfg config.Config, logger *slog.Logger, d Deps) *http.Server {
	return &http.Server{
		Handler:           Handler(cfg, logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a cold miss may walk every Overpass mirror
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
}

func Serve(ctx context.Context, ln net.Listener, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := newHTTPServer(cfg, logger, d)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
