// Package refresh re-fetches stale cache entries in the background with at
// most one refresh in flight per cache key.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/logger"
)

// ErrClosed is returned when Close is called more than once.
var ErrClosed = errors.New("refresher closed")

// Writer is the cache write path a refresh result goes through. SetSince
// refuses results for tiles invalidated after gen was read.
type Writer interface {
	Source() string
	Generation() uint64
	SetSince(key string, recs []model.HazardRecord, gen uint64) bool
}

// FetchFunc performs one live fetch for a key.
type FetchFunc func(ctx context.Context) ([]model.HazardRecord, error)

type Refresher struct {
	store   Writer
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(store Writer, log *slog.Logger, timeout time.Duration) *Refresher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Refresher{
		store:    store,
		log:      log,
		timeout:  timeout,
		inflight: make(map[string]struct{}),
	}
}

// Schedule starts fetch for key on its own goroutine unless a refresh for
// key is already running. It reports whether a refresh was started. The
// refresh does not inherit the caller's context.
func (r *Refresher) Schedule(key string, fetch FetchFunc) bool {
	src := r.store.Source()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		observability.IncRefresh(src, "deduped")
		return false
	}
	r.inflight[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	gen := r.store.Generation()
	observability.IncRefresh(src, "scheduled")
	go r.run(key, gen, fetch)
	return true
}

func (r *Refresher) run(key string, gen uint64, fetch FetchFunc) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	src := r.store.Source()
	ctx := logger.WithComponent(context.Background(), "refresh")
	ctx = logger.WithSource(ctx, src)
	ctx = logger.WithTile(ctx, key)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			observability.IncRefresh(src, "error")
			r.log.ErrorContext(ctx, "background refresh panicked", "panic", rec)
		}
	}()

	recs, err := fetch(ctx)
	if err != nil {
		observability.IncRefresh(src, "error")
		r.log.WarnContext(ctx, "background refresh failed, keeping stale entry", "err", err)
		return
	}
	if !r.store.SetSince(key, recs, gen) {
		observability.IncRefresh(src, "discarded")
		r.log.InfoContext(ctx, "tile invalidated during refresh, result dropped")
		return
	}
	observability.IncRefresh(src, "ok")
	r.log.DebugContext(ctx, "background refresh stored", "count", len(recs))
}

// InFlight reports whether a refresh for key is running.
func (r *Refresher) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[key]
	return ok
}

// Wait blocks until every scheduled refresh has finished.
func (r *Refresher) Wait() { r.wg.Wait() }

// Close stops accepting new refreshes and waits for running ones until ctx
// is done.
func (r *Refresher) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
