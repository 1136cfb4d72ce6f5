// Package snapshot keeps last-known-good hazard lists in Redis so stale
// fallback survives process restarts and in-memory eviction.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammed-shakir/hazard-aggregator/internal/cache/keys"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

// KV is the subset of the Redis client the snapshot store needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type payload struct {
	SavedAt time.Time            `json:"savedAt"`
	Records []model.HazardRecord `json:"records"`
}

type Store struct {
	kv      KV
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

func New(kv KV, ttl, timeout time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{kv: kv, ttl: ttl, timeout: timeout, now: time.Now}
}

// returns context with timeout if set
func (s *Store) withTimeout() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) Save(source, tile string, recs []model.HazardRecord) error {
	b, err := json.Marshal(payload{SavedAt: s.now().UTC(), Records: recs})
	if err != nil {
		return fmt.Errorf("snapshot encode %s/%s: %w", source, tile, err)
	}
	ctx, cancel := s.withTimeout()
	defer cancel()
	if err := s.kv.Set(ctx, keys.Snapshot(source, tile), b, s.ttl); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	return nil
}

// Load returns the stored records; a corrupt payload reads as absent.
func (s *Store) Load(source, tile string) ([]model.HazardRecord, bool, error) {
	ctx, cancel := s.withTimeout()
	defer cancel()
	b, found, err := s.kv.Get(ctx, keys.Snapshot(source, tile))
	if err != nil {
		return nil, false, fmt.Errorf("snapshot load: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false, nil
	}
	if p.Records == nil {
		p.Records = []model.HazardRecord{}
	}
	return p.Records, true, nil
}

func (s *Store) Delete(source string, tiles ...string) error {
	if len(tiles) == 0 {
		return nil
	}
	ks := make([]string, 0, len(tiles))
	for _, t := range tiles {
		ks = append(ks, keys.Snapshot(source, t))
	}
	ctx, cancel := s.withTimeout()
	defer cancel()
	if err := s.kv.Del(ctx, ks...); err != nil {
		return fmt.Errorf("snapshot delete: %w", err)
	}
	return nil
}
