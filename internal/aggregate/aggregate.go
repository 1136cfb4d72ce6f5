// Package aggregate merges community hazards with the live sources into one
// deduplicated list ordered by distance.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hitevents"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness"
)

// CommunityProvider returns user reported hazards around a query center. It
// is expected to exclude resolved reports already.
type CommunityProvider interface {
	Hazards(ctx context.Context, q model.Query) ([]model.HazardRecord, error)
}

// Source is a cached external source. Fetch never fails; a broken upstream
// yields fewer records.
type Source interface {
	Name() model.Source
	Fetch(ctx context.Context, lat, lon, radius float64) []model.HazardRecord
}

type EventPublisher interface {
	Publish(ev hitevents.QueryEvent)
}

// CellFunc maps a query center to the cell used for hotness tracking.
type CellFunc func(model.Coordinates) (string, error)

type Aggregator struct {
	community CommunityProvider
	sources   []Source
	merge     MergeOptions
	log       *slog.Logger
	clock     clockwork.Clock

	hot    hotness.Interface
	cellOf CellFunc
	events EventPublisher
}

type Option func(*Aggregator)

func WithDedupRadius(m float64) Option {
	return func(a *Aggregator) { a.merge.DedupRadius = m }
}

func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithHotness counts every query against the cell of its center.
func WithHotness(h hotness.Interface, cellOf CellFunc) Option {
	return func(a *Aggregator) {
		a.hot = h
		a.cellOf = cellOf
	}
}

func WithEvents(p EventPublisher) Option {
	return func(a *Aggregator) { a.events = p }
}

// New builds an aggregator. Sources are merged in the order given, after
// community.
func New(community CommunityProvider, sources []Source, log *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		community: community,
		sources:   sources,
		merge:     MergeOptions{DedupRadius: DefaultDedupRadius},
		log:       log,
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Hazards runs one query. Only a community failure is returned as an error.
func (a *Aggregator) Hazards(ctx context.Context, q model.Query) ([]model.HazardRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	start := a.clock.Now()

	var (
		community []model.HazardRecord
		lists     = make([][]model.HazardRecord, len(a.sources))
		g         errgroup.Group
	)

	if a.community != nil && q.Wants(model.SourceCommunity) {
		g.Go(func() error {
			recs, err := a.community.Hazards(ctx, q)
			if err != nil {
				return fmt.Errorf("community hazards: %w", err)
			}
			community = recs
			return nil
		})
	}
	for i, s := range a.sources {
		if !q.Wants(s.Name()) {
			continue
		}
		g.Go(func() error {
			lists[i] = s.Fetch(ctx, q.Center.Latitude, q.Center.Longitude, q.RadiusMeters)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := Merge(q.Center, a.merge, a.cleanCommunity(ctx, community, start), lists...)

	out := make([]model.HazardRecord, 0, len(merged))
	for _, h := range merged {
		if !q.Matches(h) {
			continue
		}
		out = append(out, h)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}

	cell := a.track(ctx, q.Center)
	a.publish(q, cell, len(out), a.clock.Since(start))
	return out, nil
}

func (a *Aggregator) cleanCommunity(ctx context.Context, in []model.HazardRecord, now time.Time) []model.HazardRecord {
	out := make([]model.HazardRecord, 0, len(in))
	for _, h := range in {
		switch {
		case !h.Coordinates.Valid():
			a.log.WarnContext(ctx, "dropping community hazard with invalid coordinates",
				"id", h.ID, "lat", h.Coordinates.Latitude, "lon", h.Coordinates.Longitude)
			continue
		case h.Expired(now):
			a.log.WarnContext(ctx, "dropping expired community hazard", "id", h.ID)
			continue
		}
		h.Source = model.SourceCommunity
		out = append(out, h)
	}
	return out
}

func (a *Aggregator) track(ctx context.Context, center model.Coordinates) string {
	if a.cellOf == nil {
		return ""
	}
	cell, err := a.cellOf(center)
	if err != nil {
		a.log.DebugContext(ctx, "no cell for query center", "error", err)
		return ""
	}
	if a.hot != nil {
		a.hot.Inc(cell)
	}
	return cell
}

func (a *Aggregator) publish(q model.Query, cell string, count int, took time.Duration) {
	if a.events == nil {
		return
	}
	srcs := make([]string, 0, len(a.sources)+1)
	for _, s := range model.Sources {
		if q.Wants(s) {
			srcs = append(srcs, string(s))
		}
	}
	a.events.Publish(hitevents.NewQueryEvent(hitevents.QueryEvent{
		Lat:        q.Center.Latitude,
		Lon:        q.Center.Longitude,
		Radius:     q.RadiusMeters,
		Cell:       cell,
		Sources:    srcs,
		Count:      count,
		DurationMS: took.Milliseconds(),
		TS:         a.clock.Now(),
	}))
}
