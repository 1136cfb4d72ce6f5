package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// replayFilter remembers recently applied event IDs.
type replayFilter struct {
	mu  sync.Mutex
	lru *lru.Cache[string, struct{}]
}

func newReplayFilter(size int) *replayFilter {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, struct{}](size)
	return &replayFilter{lru: c}
}

// seen reports whether id was applied before; empty IDs never are.
func (f *replayFilter) seen(id string) bool {
	if id == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lru.Contains(id)
}

func (f *replayFilter) remember(id string) {
	if id == "" {
		return
	}
	f.mu.Lock()
	f.lru.Add(id, struct{}{})
	f.mu.Unlock()
}
