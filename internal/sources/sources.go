// Package sources wires a live hazard provider to its cache, background
// refresher and stale fallback. Fetch never fails: upstream trouble only
// shrinks the result.
package sources

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/hazard-aggregator/internal/cache"
	"github.com/mohammed-shakir/hazard-aggregator/internal/cache/keys"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
	"github.com/mohammed-shakir/hazard-aggregator/internal/logger"
	"github.com/mohammed-shakir/hazard-aggregator/internal/refresh"
)

// Area is the circle a provider is asked about.
type Area struct {
	Center       model.Coordinates
	RadiusMeters float64
}

// Provider performs one live, uncached fetch against an external service.
type Provider interface {
	Name() model.Source
	FetchLive(ctx context.Context, area Area) ([]model.HazardRecord, error)
}

type Adapter struct {
	provider  Provider
	store     *cache.Store
	refresher *refresh.Refresher
	log       *slog.Logger
	clock     clockwork.Clock
	timeout   time.Duration
	group     singleflight.Group
}

type Option func(*Adapter)

func WithClock(c clockwork.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithFetchTimeout bounds a synchronous live fetch including failover.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAdapter(p Provider, store *cache.Store, r *refresh.Refresher, log *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		provider:  p,
		store:     store,
		refresher: r,
		log:       log,
		clock:     clockwork.NewRealClock(),
		timeout:   2 * time.Minute,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() model.Source { return a.provider.Name() }

// Fetch returns the provider's hazards around (lat, lon): fresh cache hits
// directly, stale hits while scheduling a background refresh, misses via a
// synchronous live fetch. A failed live fetch falls back to whatever is
// stored for the key, then to an empty list.
func (a *Adapter) Fetch(ctx context.Context, lat, lon, radius float64) []model.HazardRecord {
	src := string(a.provider.Name())
	key := keys.Tile(lat, lon, radius)
	area := Area{Center: model.Coordinates{Latitude: lat, Longitude: lon}, RadiusMeters: radius}
	ctx = logger.WithSource(ctx, src)
	ctx = logger.WithTile(ctx, key)

	recs, fresh := a.store.Get(key)
	switch fresh {
	case cache.Fresh:
		observability.IncCacheResult(src, "fresh")
		return a.view(recs, area.Center)
	case cache.Stale:
		observability.IncCacheResult(src, "stale")
		a.refresher.Schedule(key, func(rctx context.Context) ([]model.HazardRecord, error) {
			return a.provider.FetchLive(rctx, area)
		})
		return a.view(recs, area.Center)
	}
	observability.IncCacheResult(src, "miss")

	live, err := a.fetchLive(ctx, key, area)
	if err == nil {
		return a.view(live, area.Center)
	}

	if old, ok := a.store.StaleFallback(key); ok {
		observability.IncCacheResult(src, "fallback")
		a.log.WarnContext(ctx, "live fetch failed, serving stale fallback", "err", err, "count", len(old))
		return a.view(old, area.Center)
	}
	observability.IncCacheResult(src, "empty")
	a.log.WarnContext(ctx, "live fetch failed with nothing cached", "err", err)
	return []model.HazardRecord{}
}

// fetchLive coalesces concurrent misses for one key into one upstream call
// and writes a success back to the cache.
func (a *Adapter) fetchLive(ctx context.Context, key string, area Area) ([]model.HazardRecord, error) {
	v, err, shared := a.group.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		gen := a.store.Generation()
		start := a.clock.Now()
		recs, err := a.provider.FetchLive(fctx, area)
		if err != nil {
			return nil, err
		}
		if !a.store.SetSince(key, recs, gen) {
			a.log.InfoContext(ctx, "tile invalidated during live fetch, not cached", "count", len(recs))
			return recs, nil
		}
		a.log.DebugContext(ctx, "live fetch stored", "count", len(recs), "took", a.clock.Since(start))
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.log.DebugContext(ctx, "joined in-flight live fetch")
	}
	recs, _ := v.([]model.HazardRecord)
	return model.Clone(recs), nil
}

// view drops expired records and re-anchors precomputed distances on center.
// A tile entry may have been filled by a query from a nearby point.
func (a *Adapter) view(recs []model.HazardRecord, center model.Coordinates) []model.HazardRecord {
	out := model.Active(recs, a.clock.Now())
	for i := range out {
		if out[i].DistanceMeters != nil {
			d := geo.Haversine(center, out[i].Coordinates)
			out[i].DistanceMeters = &d
		}
	}
	return out
}
