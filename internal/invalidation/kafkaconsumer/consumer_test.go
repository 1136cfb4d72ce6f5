package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/hazard-aggregator/internal/cache"
	"github.com/mohammed-shakir/hazard-aggregator/internal/cache/keys"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/invalidation"
	"github.com/mohammed-shakir/hazard-aggregator/internal/logger"
	h3mapper "github.com/mohammed-shakir/hazard-aggregator/internal/mapper/h3"
)

type fakeHot struct {
	reset [][]string
	mu    sync.Mutex
}

func (f *fakeHot) Reset(cells ...string) {
	f.mu.Lock()
	f.reset = append(f.reset, cells)
	f.mu.Unlock()
}

func (f *fakeHot) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reset)
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "hazard-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// tiles around central London and one in Stockholm
var (
	londonTile    = keys.Tile(51.5074, -0.1278, 1000)
	stockholmTile = keys.Tile(59.3293, 18.0686, 1000)
)

func newStore(t *testing.T, source string) *cache.Store {
	t.Helper()
	s, err := cache.New(cache.Config{Source: source, FreshFor: 10 * time.Minute, HardTTL: 15 * time.Minute, MaxEntries: 50},
		cache.WithClock(clockwork.NewFakeClock()))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	for _, k := range []string{londonTile, stockholmTile} {
		s.Set(k, []model.HazardRecord{{ID: source + "-" + k, Source: model.Source(source)}})
	}
	return s
}

func eventBytes(t *testing.T, id string, src model.Source) []byte {
	t.Helper()
	ev := invalidation.Event{
		Version: 1, ID: id, Op: "update", Source: src, TS: time.Now().UTC(),
		BBox: &invalidation.BBox{X1: -0.13, Y1: 51.505, X2: -0.125, Y2: 51.51, SRID: "EPSG:4326"},
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

type fixture struct {
	osm, tomtom *cache.Store
	hot         *fakeHot
	c           *Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{osm: newStore(t, "osm"), tomtom: newStore(t, "tomtom"), hot: &fakeHot{}}
	cfg := Config{Brokers: []string{"x"}, Topic: "hazard-invalidation", GroupID: "g"}
	f.c = New(cfg, logger.Discard(), []Invalidator{f.osm, f.tomtom}, h3mapper.New(), f.hot)
	return f
}

func TestProcessOne_RemovesOverlappingTilesAndResetsHotness(t *testing.T) {
	f := newFixture(t)
	msg := &sarama.ConsumerMessage{Topic: "hazard-invalidation", Offset: 1, Value: eventBytes(t, "ev-1", "")}

	if err := f.c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	for _, s := range []*cache.Store{f.osm, f.tomtom} {
		if s.Contains(londonTile) {
			t.Fatalf("%s: london tile should be invalidated", s.Source())
		}
		if !s.Contains(stockholmTile) {
			t.Fatalf("%s: stockholm tile should survive", s.Source())
		}
	}
	if f.hot.calls() != 1 || len(f.hot.reset[0]) == 0 {
		t.Fatalf("expected one hotness reset with cells, got %v", f.hot.reset)
	}
}

func TestProcessOne_SourceScopedEvent(t *testing.T) {
	f := newFixture(t)
	msg := &sarama.ConsumerMessage{Value: eventBytes(t, "ev-2", model.SourceTomTom)}

	if err := f.c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if f.tomtom.Contains(londonTile) {
		t.Fatalf("tomtom tile should be invalidated")
	}
	if !f.osm.Contains(londonTile) {
		t.Fatalf("osm tile belongs to another source and should survive")
	}
}

func TestProcessOne_ReplayedIDIsSkipped(t *testing.T) {
	f := newFixture(t)
	msg := &sarama.ConsumerMessage{Value: eventBytes(t, "ev-3", model.SourceOSM)}
	if err := f.c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("first: %v", err)
	}

	f.osm.Set(londonTile, nil)
	if err := f.c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !f.osm.Contains(londonTile) {
		t.Fatalf("a replayed event must not invalidate again")
	}
	if f.hot.calls() != 1 {
		t.Fatalf("hotness reset %d times, want 1", f.hot.calls())
	}
}

func TestProcessOne_InvalidPayloadIsPermanent(t *testing.T) {
	f := newFixture(t)
	for _, v := range [][]byte{[]byte("{not json"), []byte(`{"version":1,"op":"update"}`)} {
		err := f.c.ProcessOne(context.Background(), &sarama.ConsumerMessage{Value: v})
		if !errors.Is(err, errInvalidEvent) {
			t.Fatalf("payload %q: err=%v, want errInvalidEvent", v, err)
		}
	}
}

func TestConsumeClaim_OrderAndMarksInvalidMessages(t *testing.T) {
	f := newFixture(t)
	g := &groupHandler{process: f.c.ProcessOne, log: logger.Discard()}
	s := &sess{ctx: t.Context()}

	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- &sarama.ConsumerMessage{Partition: 0, Offset: 10, Value: eventBytes(t, "a", "")}
	ch <- &sarama.ConsumerMessage{Partition: 0, Offset: 11, Value: []byte("garbage")}
	ch <- &sarama.ConsumerMessage{Partition: 0, Offset: 12, Value: eventBytes(t, "b", "")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 || s.marked[0] != 10 || s.marked[1] != 11 || s.marked[2] != 12 {
		t.Fatalf("marked offsets=%v want [10 11 12]", s.marked)
	}
}

func TestConsumeClaim_TransientErrorLeavesMessageUnmarked(t *testing.T) {
	calls := 0
	g := &groupHandler{
		process: func(context.Context, *sarama.ConsumerMessage) error {
			calls++
			return errors.New("boom")
		},
		log: logger.Discard(),
	}
	s := &sess{ctx: context.Background()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Offset: 5}
	ch <- &sarama.ConsumerMessage{Offset: 6}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 || len(s.marked) != 0 {
		t.Fatalf("calls=%d marked=%v; processing should stop before marking", calls, s.marked)
	}
}

func TestConsumeClaim_PartitionsInParallel(t *testing.T) {
	f := newFixture(t)
	g := &groupHandler{process: f.c.ProcessOne, log: logger.Discard()}
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: eventBytes(t, "p0-1", "")}
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 2, Value: eventBytes(t, "p0-2", "")}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 1, Value: eventBytes(t, "p1-1", "")}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 2, Value: eventBytes(t, "p1-2", "")}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.Topic != "hazard-invalidation" || c.GroupID == "" || c.H3Res != 8 || c.RetryBackoff != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	sc := Config{InitialOffsetOldest: true}.SaramaConfig()
	if sc.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Fatalf("initial offset not honored")
	}
}
