// Package app wires configuration into a running hazard service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/hazard-aggregator/internal/aggregate"
	"github.com/mohammed-shakir/hazard-aggregator/internal/cache"
	"github.com/mohammed-shakir/hazard-aggregator/internal/cache/redisstore"
	"github.com/mohammed-shakir/hazard-aggregator/internal/cache/snapshot"
	"github.com/mohammed-shakir/hazard-aggregator/internal/community"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/config"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/executor"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/health"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/httpclient"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/server"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hitevents"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness/expdecay"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/hazard-aggregator/internal/invalidation/kafkaconsumer"
	h3mapper "github.com/mohammed-shakir/hazard-aggregator/internal/mapper/h3"
	"github.com/mohammed-shakir/hazard-aggregator/internal/metrics"
	"github.com/mohammed-shakir/hazard-aggregator/internal/refresh"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources/overpass"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources/tomtom"
)

type communitySource interface {
	aggregate.CommunityProvider
	Ping(ctx context.Context) error
}

type App struct {
	cfg    config.Config
	build  metrics.BuildInfo
	log    *slog.Logger
	clock  clockwork.Clock
	prov   *metrics.Provider
	deps   server.Deps
	agg    *aggregate.Aggregator
	hot    *expdecay.Tracker
	stores []kafkaconsumer.Invalidator
	inval  *kafkaconsumer.Consumer
	closer []func(context.Context) error
}

type Option func(*App)

func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithBuildInfo labels the app_build_info metric.
func WithBuildInfo(b metrics.BuildInfo) Option {
	return func(a *App) { a.build = b }
}

// New builds every component from cfg. A failure to reach an optional backing
// service (Redis, Kafka) is logged and the feature is left off; a configured
// but unreachable community database is an error.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: log, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(a)
	}

	a.prov = metrics.Init(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Build:   a.build,
	})
	observability.Init(a.prov.Registerer(), true)

	var checks []health.Check

	var snaps cache.Snapshots
	if cfg.Cache.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			log.Warn("redis unavailable, snapshots disabled", "addr", cfg.Cache.RedisAddr, "error", err)
		} else {
			snaps = snapshot.New(rc, cfg.Cache.SnapshotTTL, cfg.Cache.OpTimeout)
			checks = append(checks, health.Check{Name: "redis", Fn: rc.Ping})
			a.closer = append(a.closer, func(context.Context) error { return rc.Close() })
		}
	}

	var comm communitySource = community.Empty{}
	if cfg.Community.DatabaseURL != "" {
		st, err := community.Open(ctx, cfg.Community.DatabaseURL, log.With("component", "community"),
			community.WithMaxAge(cfg.Community.MaxAge),
			community.WithTimeout(cfg.Community.Timeout),
			community.WithClock(a.clock))
		if err != nil {
			return nil, err
		}
		comm = st
		a.closer = append(a.closer, func(context.Context) error { return st.Close() })
	}
	checks = append(checks, health.Check{Name: "community", Fn: comm.Ping})

	var srcs []aggregate.Source
	if cfg.OSM.Enabled {
		exec, err := executor.New(log, httpclient.NewOutbound(0), string(model.SourceOSM), cfg.OSM.URL,
			executor.WithAlternates(cfg.OSM.FallbackURLs...),
			executor.WithTimeout(cfg.OSM.Timeout),
			executor.WithRateLimitBackoff(cfg.RateLimitBackoff),
			executor.WithValidator(overpass.CheckRemark),
			executor.WithClock(a.clock))
		if err != nil {
			return nil, fmt.Errorf("osm executor: %w", err)
		}
		p := overpass.New(exec, log.With("component", "overpass"),
			overpass.WithClock(a.clock),
			overpass.WithMaxStartAge(cfg.OSM.MaxStartAge),
			overpass.WithQueryTimeout(cfg.OSM.Timeout))
		ad, err := a.adapter(p, snaps, cfg.OSMFetchBudget())
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, ad)
	}
	if cfg.TomTom.APIKey != "" {
		exec, err := executor.New(log, httpclient.NewOutbound(0), string(model.SourceTomTom), cfg.TomTom.URL,
			executor.WithAlternates(cfg.TomTom.FallbackURLs...),
			executor.WithTimeout(cfg.TomTom.Timeout),
			executor.WithRateLimitBackoff(cfg.RateLimitBackoff),
			executor.WithClock(a.clock))
		if err != nil {
			return nil, fmt.Errorf("tomtom executor: %w", err)
		}
		p, err := tomtom.New(exec, cfg.TomTom.APIKey, log.With("component", "tomtom"),
			tomtom.WithClock(a.clock), tomtom.WithLanguage(cfg.TomTom.Language))
		if err != nil {
			return nil, err
		}
		ad, err := a.adapter(p, snaps, cfg.TomTomFetchBudget())
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, ad)
	} else {
		log.Info("tomtom disabled: no api key")
	}

	mapper := h3mapper.New()
	a.hot = expdecay.New(cfg.Hotness.HalfLife, expdecay.WithClock(a.clock))
	hot := metricswrap.New(a.hot, "tiles", cfg.Hotness.Threshold, log.With("component", "hotness"))
	aggOpts := []aggregate.Option{
		aggregate.WithDedupRadius(cfg.DedupRadiusM),
		aggregate.WithClock(a.clock),
		aggregate.WithHotness(hot, func(c model.Coordinates) (string, error) {
			return mapper.CellForPoint(c, cfg.Hotness.H3Res)
		}),
	}

	if cfg.HitEvents.Enabled {
		pub, err := hitevents.NewPublisher(cfg.HitEvents.Brokers, cfg.HitEvents.Topic, cfg.HitEvents.Queue, log.With("component", "hitevents"))
		if err != nil {
			log.Warn("hit events disabled", "error", err)
		} else {
			aggOpts = append(aggOpts, aggregate.WithEvents(pub))
			a.closer = append(a.closer, func(context.Context) error { return pub.Close() })
		}
	}

	a.agg = aggregate.New(comm, srcs, log.With("component", "aggregate"), aggOpts...)

	if cfg.Invalidation.Enabled && len(a.stores) > 0 {
		a.inval = kafkaconsumer.New(kafkaconsumer.Config{
			Brokers:             cfg.Invalidation.Brokers,
			Topic:               cfg.Invalidation.Topic,
			GroupID:             cfg.Invalidation.GroupID,
			InitialOffsetOldest: cfg.Invalidation.Oldest,
			H3Res:               cfg.Hotness.H3Res,
		}, log.With("component", "invalidation"), a.stores, mapper, hot)
	}

	a.deps = server.Deps{
		Hazards: a.agg,
		Ready:   checks,
		Mapper:  mapper,
		Hotness: hot,
		H3Res:   cfg.Hotness.H3Res,
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr == "" {
		a.deps.Metrics = a.prov.Handler()
	}
	return a, nil
}

func (a *App) adapter(p sources.Provider, snaps cache.Snapshots, budget time.Duration) (*sources.Adapter, error) {
	opts := []cache.Option{cache.WithClock(a.clock), cache.WithLogger(a.log)}
	if snaps != nil {
		opts = append(opts, cache.WithSnapshots(snaps))
	}
	store, err := cache.New(cache.Config{
		Source:     string(p.Name()),
		FreshFor:   a.cfg.Cache.FreshFor,
		HardTTL:    a.cfg.Cache.HardTTL,
		MaxEntries: a.cfg.Cache.MaxEntries,
	}, opts...)
	if err != nil {
		return nil, err
	}
	a.stores = append(a.stores, store)

	if a.cfg.RefreshTimeout > 0 && a.cfg.RefreshTimeout < budget {
		a.log.Warn("REFRESH_TIMEOUT shorter than the failover chain, raised",
			"source", string(p.Name()), "configured", a.cfg.RefreshTimeout, "budget", budget)
	}
	r := refresh.New(store, a.log.With("component", "refresh", "source", string(p.Name())), a.cfg.RefreshBudget(budget))
	a.closer = append(a.closer, r.Close)

	return sources.NewAdapter(p, store, r, a.log.With("component", "sources"),
		sources.WithClock(a.clock), sources.WithFetchTimeout(budget)), nil
}

// Handler exposes the HTTP routes, for tests and embedding.
func (a *App) Handler() http.Handler {
	return server.Handler(a.cfg, a.log, a.deps)
}

func (a *App) Aggregator() *aggregate.Aggregator { return a.agg }

// Run serves HTTP and metrics until ctx is done, then releases resources.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, ln, a.cfg, a.log, a.deps) })
	g.Go(func() error { return a.prov.Serve(gctx, a.log) })
	if a.inval != nil {
		g.Go(func() error {
			if err := a.inval.Start(gctx); err != nil {
				a.log.Warn("invalidation consumer disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		t := a.clock.NewTicker(a.hot.HalfLife() * 10)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.Chan():
				if n := a.hot.Prune(0.01); n > 0 {
					a.log.Debug("pruned cold tiles", "count", n)
				}
			}
		}
	})
	runErr := g.Wait()

	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close drains background refreshes and closes backing clients in reverse
// order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](ctx); err != nil && !errors.Is(err, refresh.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closer = nil
	return errors.Join(errs...)
}
