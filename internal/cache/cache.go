// Package cache implements the per-source hazard cache: a bounded map of
// tile key to records with a fresh window, a stale-but-usable window and
// retention of expired entries for last-resort fallback.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/hazard-aggregator/internal/cache/keys"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
)

// tileSlack covers query centers that round into a tile's key.
const tileSlack = 0.005

// maxTracked bounds the invalidation history SetSince consults. Writes that
// started before the oldest tracked invalidation are discarded.
const maxTracked = 64

type Freshness int

const (
	Miss Freshness = iota
	Fresh
	// Stale data is usable but due for a refresh.
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Snapshots persists last-known-good records outside the process so a
// fallback survives eviction and restarts.
type Snapshots interface {
	Save(source, key string, recs []model.HazardRecord) error
	Load(source, key string) ([]model.HazardRecord, bool, error)
	Delete(source string, keys ...string) error
}

type Config struct {
	Source     string
	FreshFor   time.Duration
	HardTTL    time.Duration
	MaxEntries int
}

type entry struct {
	data      []model.HazardRecord
	fetchedAt time.Time
}

type invalidation struct {
	gen  uint64
	area orb.Bound
}

type Store struct {
	mu        sync.Mutex
	source    string
	freshFor  time.Duration
	hardTTL   time.Duration
	entries   *lru.Cache[string, entry]
	clock     clockwork.Clock
	snapshots Snapshots
	log       *slog.Logger
	removing  bool
	gen       uint64
	recent    []invalidation
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithSnapshots(sn Snapshots) Option {
	return func(s *Store) { s.snapshots = sn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Source == "" {
		return nil, errors.New("cache: source is required")
	}
	if cfg.FreshFor <= 0 || cfg.HardTTL < cfg.FreshFor {
		return nil, fmt.Errorf("cache %s: invalid windows fresh=%v hard=%v", cfg.Source, cfg.FreshFor, cfg.HardTTL)
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache %s: max entries must be positive", cfg.Source)
	}

	s := &Store{
		source:   cfg.Source,
		freshFor: cfg.FreshFor,
		hardTTL:  cfg.HardTTL,
		clock:    clockwork.NewRealClock(),
		log:      slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}

	c, err := lru.NewWithEvict(cfg.MaxEntries, func(string, entry) {
		if !s.removing {
			observability.IncCacheEviction(s.source)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", cfg.Source, err)
	}
	s.entries = c
	return s, nil
}

func (s *Store) Source() string { return s.source }

// Get classifies the entry for key by age. Entries past the hard TTL read
// as a miss but stay stored for StaleFallback.
func (s *Store) Get(key string) ([]model.HazardRecord, Freshness) {
	s.mu.Lock()
	e, ok := s.entries.Peek(key)
	s.mu.Unlock()
	if !ok {
		return nil, Miss
	}

	age := s.clock.Since(e.fetchedAt)
	switch {
	case age < s.freshFor:
		return model.Clone(e.data), Fresh
	case age < s.hardTTL:
		return model.Clone(e.data), Stale
	default:
		return nil, Miss
	}
}

// Set stores recs under key stamped with the current time. When the store
// is over capacity the entry written longest ago is evicted.
func (s *Store) Set(key string, recs []model.HazardRecord) {
	s.put(key, recs, nil)
}

// Generation identifies the latest applied invalidation. Capture it before a
// live fetch and hand it to SetSince.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// SetSince stores recs like Set unless an invalidation overlapping key's
// tile was applied after generation gen. It reports whether recs were stored.
func (s *Store) SetSince(key string, recs []model.HazardRecord, gen uint64) bool {
	return s.put(key, recs, &gen)
}

func (s *Store) put(key string, recs []model.HazardRecord, since *uint64) bool {
	data := model.Clone(recs)
	if data == nil {
		data = []model.HazardRecord{}
	}

	s.mu.Lock()
	if since != nil && s.invalidatedSince(key, *since) {
		s.mu.Unlock()
		s.log.Debug("dropped write for invalidated tile", "source", s.source, "key", key)
		return false
	}
	s.entries.Add(key, entry{data: data, fetchedAt: s.clock.Now()})
	n := s.entries.Len()
	s.mu.Unlock()

	observability.SetCacheEntries(s.source, n)

	if s.snapshots != nil {
		if err := s.snapshots.Save(s.source, key, data); err != nil {
			s.log.Warn("snapshot save failed", "source", s.source, "key", key, "err", err)
		}
	}
	return true
}

// invalidatedSince must be called with mu held.
func (s *Store) invalidatedSince(key string, gen uint64) bool {
	if gen >= s.gen {
		return false
	}
	if len(s.recent) == 0 || s.recent[0].gen > gen+1 {
		return true
	}
	area, ok := tileArea(key)
	if !ok {
		return false
	}
	for _, inv := range s.recent {
		if inv.gen > gen && area.Intersects(inv.area) {
			return true
		}
	}
	return false
}

func tileArea(key string) (orb.Bound, bool) {
	lat, lon, radius, ok := keys.ParseTile(key)
	if !ok {
		return orb.Bound{}, false
	}
	return geo.BoundAround(model.Coordinates{Latitude: lat, Longitude: lon}, radius).Pad(tileSlack), true
}

// StaleFallback returns whatever is stored for key regardless of age,
// consulting the snapshot store when the entry is no longer in memory.
func (s *Store) StaleFallback(key string) ([]model.HazardRecord, bool) {
	s.mu.Lock()
	e, ok := s.entries.Peek(key)
	s.mu.Unlock()
	if ok {
		return model.Clone(e.data), true
	}

	if s.snapshots == nil {
		return nil, false
	}
	recs, ok, err := s.snapshots.Load(s.source, key)
	if err != nil {
		s.log.Warn("snapshot load failed", "source", s.source, "key", key, "err", err)
		return nil, false
	}
	return recs, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Contains reports whether key is stored, regardless of age.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Contains(key)
}

// Invalidate removes every tile whose area overlaps b, along with its
// snapshot, and returns the removed keys. Snapshots of tiles no longer held
// in memory are left to expire. Fetches that began before the call can no
// longer write an overlapping tile through SetSince.
func (s *Store) Invalidate(b orb.Bound) []string {
	var removed []string

	s.mu.Lock()
	s.gen++
	s.recent = append(s.recent, invalidation{gen: s.gen, area: b})
	if len(s.recent) > maxTracked {
		s.recent = append(s.recent[:0], s.recent[len(s.recent)-maxTracked:]...)
	}
	s.removing = true
	for _, k := range s.entries.Keys() {
		area, ok := tileArea(k)
		if !ok {
			continue
		}
		if area.Intersects(b) {
			s.entries.Remove(k)
			removed = append(removed, k)
		}
	}
	s.removing = false
	n := s.entries.Len()
	s.mu.Unlock()

	observability.SetCacheEntries(s.source, n)
	if len(removed) == 0 || s.snapshots == nil {
		return removed
	}
	if err := s.snapshots.Delete(s.source, removed...); err != nil {
		s.log.Warn("snapshot delete failed", "source", s.source, "keys", len(removed), "err", err)
	}
	return removed
}
