// Package kafkaconsumer applies tile invalidation events from Kafka to the
// per-source hazard caches and the hotness model.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	obs "github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
	"github.com/mohammed-shakir/hazard-aggregator/internal/invalidation"
	"github.com/mohammed-shakir/hazard-aggregator/internal/logger"
	"github.com/mohammed-shakir/hazard-aggregator/internal/mapper"
)

// maxResetRadius caps the area whose hotness cells an event resets.
const maxResetRadius = 25_000.0

// errInvalidEvent marks messages that can never be applied.
var errInvalidEvent = errors.New("invalid invalidation event")

// Invalidator is a source cache that can drop tiles by area.
type Invalidator interface {
	Source() string
	Invalidate(b orb.Bound) []string
}

type HotnessResetter interface {
	Reset(keys ...string)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	caches map[model.Source]Invalidator
	mapper mapper.Interface
	hot    HotnessResetter
	seen   *replayFilter
}

// New builds a consumer over caches. mapper and hot may be nil, in which
// case hotness is left alone.
func New(cfg Config, logger *slog.Logger, caches []Invalidator, m mapper.Interface, hot HotnessResetter) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	byName := make(map[model.Source]Invalidator, len(caches))
	for _, c := range caches {
		byName[model.Source(c.Source())] = c
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		caches: byName,
		mapper: m,
		hot:    hot,
		seen:   newReplayFilter(cfg.SeenIDs),
	}
}

// Start joins the consumer group and applies events until ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.caches) == 0 {
		return errors.New("kafkaconsumer: no caches to invalidate")
	}
	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, c.cfg.SaramaConfig())
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()
	return c.Run(ctx, group)
}

// Run consumes from an existing group, rejoining after errors.
func (c *Consumer) Run(ctx context.Context, group sarama.ConsumerGroup) error {
	ctx = logger.WithComponent(ctx, "invalidation")
	handler := &groupHandler{process: c.ProcessOne, log: c.logger}

	c.logger.InfoContext(ctx, "kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "kafka consumer error", "err", err, "topic", c.cfg.Topic)
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "kafka invalidation consumer shutting down")
			return nil
		}
	}
}

// ProcessOne applies a single message. Errors wrapping errInvalidEvent are
// permanent; the message is skipped rather than retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidation("unknown", "invalid")
		return fmt.Errorf("%w: decode: %w", errInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidation(ev.Op, "invalid")
		return fmt.Errorf("%w: %w", errInvalidEvent, err)
	}
	if c.seen.seen(ev.DedupeKey()) {
		obs.IncInvalidation(ev.Op, "duplicate")
		c.logger.DebugContext(ctx, "skipping replayed invalidation", "id", ev.ID)
		return nil
	}

	b := ev.Bound()
	tiles := 0
	for _, src := range ev.Sources() {
		store, ok := c.caches[src]
		if !ok {
			continue
		}
		removed := store.Invalidate(b)
		obs.AddInvalidatedTiles(string(src), len(removed))
		tiles += len(removed)
	}
	cells := c.resetHotness(ctx, b)

	c.seen.remember(ev.DedupeKey())
	obs.IncInvalidation(ev.Op, "applied")
	c.logger.InfoContext(ctx, "invalidated tiles",
		"op", ev.Op, "source", ev.Source, "tiles", tiles, "cells", cells,
		"partition", msg.Partition, "offset", msg.Offset)
	return nil
}

func (c *Consumer) resetHotness(ctx context.Context, b orb.Bound) int {
	if c.hot == nil || c.mapper == nil {
		return 0
	}
	center := geo.FromPoint(b.Center())
	radius := geo.Haversine(center, geo.FromPoint(b.Max))
	if radius > maxResetRadius {
		c.logger.DebugContext(ctx, "invalidation area too large for hotness reset", "radius_m", radius)
		return 0
	}
	cells, err := c.mapper.CellsForArea(center, max(radius, 1), c.cfg.H3Res)
	if err != nil {
		c.logger.WarnContext(ctx, "hotness cells for invalidation", "err", err)
		return 0
	}
	c.hot.Reset(cells...)
	return len(cells)
}
