// Package expdecay scores tiles with an exponentially decaying hit count.
package expdecay

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness"
)

const numShards = 64

type Tracker struct {
	halfLife time.Duration
	clock    clockwork.Clock

	shards [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*counter
}

type counter struct {
	score float64
	last  time.Time
}

var (
	_ hotness.Interface = (*Tracker)(nil)
	_ hotness.Sizer     = (*Tracker)(nil)
)

type Option func(*Tracker)

func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func New(halfLife time.Duration, opts ...Option) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{halfLife: halfLife, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(t)
	}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

func (t *Tracker) HalfLife() time.Duration { return t.halfLife }

func (t *Tracker) Inc(cell string) {
	if cell == "" {
		return
	}
	s := t.pick(cell)
	n := t.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[cell]
	if c == nil {
		s.m[cell] = &counter{score: 1, last: n}
		return
	}
	c.score = decay(c.score, n.Sub(c.last).Seconds(), t.halfLife.Seconds()) + 1
	c.last = n
}

func (t *Tracker) Score(cell string) float64 {
	if cell == "" {
		return 0
	}
	s := t.pick(cell)
	n := t.clock.Now()

	s.mu.RLock()
	c := s.m[cell]
	if c == nil {
		s.mu.RUnlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.RUnlock()

	return decay(score, n.Sub(last).Seconds(), t.halfLife.Seconds())
}

func (t *Tracker) Reset(cells ...string) {
	for _, cell := range cells {
		if cell == "" {
			continue
		}
		s := t.pick(cell)
		s.mu.Lock()
		delete(s.m, cell)
		s.mu.Unlock()
	}
}

// Prune forgets every cell whose decayed score fell below minScore and
// returns how many were removed.
func (t *Tracker) Prune(minScore float64) int {
	n := t.clock.Now()
	hl := t.halfLife.Seconds()
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for cell, c := range s.m {
			if decay(c.score, n.Sub(c.last).Seconds(), hl) < minScore {
				delete(s.m, cell)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}

// decay applies e^(-λt) with λ = ln2 / halfLife.
func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	return score * math.Exp(-math.Ln2/halfLife*dt)
}

func (t *Tracker) pick(cell string) *shard {
	h := xxhash.Sum64String(cell)
	return &t.shards[h&(numShards-1)]
}
