package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hitevents"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness/expdecay"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeCommunity struct {
	recs []model.HazardRecord
	err  error
}

func (f fakeCommunity) Hazards(context.Context, model.Query) ([]model.HazardRecord, error) {
	return f.recs, f.err
}

type fakeSource struct {
	name  model.Source
	recs  []model.HazardRecord
	calls atomic.Int32
}

func (f *fakeSource) Name() model.Source { return f.name }

func (f *fakeSource) Fetch(context.Context, float64, float64, float64) []model.HazardRecord {
	f.calls.Add(1)
	return f.recs
}

type recorder struct {
	mu     sync.Mutex
	events []hitevents.QueryEvent
}

func (r *recorder) Publish(ev hitevents.QueryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func query() model.Query {
	return model.Query{Center: model.Coordinates{Latitude: 51.5, Longitude: -0.12}, RadiusMeters: 1000}
}

func scenario() (fakeCommunity, *fakeSource, *fakeSource) {
	end := time.Date(2099, 1, 1, 23, 59, 59, 0, time.UTC)
	osmRec := rec("osm-way-9", model.SourceOSM, model.TypeConstruction, 51.501, -0.121)
	osmRec.EndDate = &end
	return fakeCommunity{recs: []model.HazardRecord{rec("1", model.SourceCommunity, model.TypePothole, 51.50, -0.12)}},
		&fakeSource{name: model.SourceOSM, recs: []model.HazardRecord{osmRec}},
		&fakeSource{name: model.SourceTomTom}
}

func TestHazards_EndToEndScenario(t *testing.T) {
	community, osm, tomtom := scenario()
	a := New(community, []Source{osm, tomtom}, discard(), WithClock(clockwork.NewFakeClockAt(now)))

	got, err := a.Hazards(context.Background(), query())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "osm-way-9", got[1].ID)
	require.NotNil(t, got[1].DistanceMeters)
	assert.Greater(t, *got[1].DistanceMeters, *got[0].DistanceMeters)
}

func TestHazards_CommunityErrorPropagates(t *testing.T) {
	_, osm, tomtom := scenario()
	boom := errors.New("db down")
	a := New(fakeCommunity{err: boom}, []Source{osm, tomtom}, discard())

	_, err := a.Hazards(context.Background(), query())
	assert.ErrorIs(t, err, boom)
}

func TestHazards_InvalidQuery(t *testing.T) {
	a := New(fakeCommunity{}, nil, discard())
	_, err := a.Hazards(context.Background(), model.Query{Center: model.Coordinates{Latitude: 100}, RadiusMeters: 1})
	assert.Error(t, err)
}

func TestHazards_DropsBadCommunityRecords(t *testing.T) {
	past := now.Add(-time.Hour)
	expired := rec("2", model.SourceCommunity, model.TypePothole, 51.5, -0.12)
	expired.EndDate = &past
	invalid := rec("3", model.SourceCommunity, model.TypePothole, 123, -0.12)
	mislabeled := rec("4", model.SourceOSM, model.TypeFlooding, 51.5, -0.12)

	a := New(fakeCommunity{recs: []model.HazardRecord{expired, invalid, mislabeled}}, nil, discard(),
		WithClock(clockwork.NewFakeClockAt(now)))
	got, err := a.Hazards(context.Background(), query())
	require.NoError(t, err)
	require.Equal(t, []string{"4"}, ids(got))
	assert.Equal(t, model.SourceCommunity, got[0].Source)
}

func TestHazards_SourceFilterSkipsFetch(t *testing.T) {
	community, osm, tomtom := scenario()
	a := New(community, []Source{osm, tomtom}, discard())

	q := query()
	q.Sources = []model.Source{model.SourceOSM}
	got, err := a.Hazards(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"osm-way-9"}, ids(got))
	assert.Equal(t, int32(1), osm.calls.Load())
	assert.Equal(t, int32(0), tomtom.calls.Load())
}

func TestHazards_TypeSeverityAndLimit(t *testing.T) {
	community := fakeCommunity{recs: []model.HazardRecord{
		rec("1", model.SourceCommunity, model.TypePothole, 51.5, -0.12),
		rec("2", model.SourceCommunity, model.TypePothole, 51.501, -0.12),
		rec("3", model.SourceCommunity, model.TypePothole, 51.502, -0.12),
	}}
	closure := rec("tomtom-c", model.SourceTomTom, model.TypeRoadClosure, 51.5005, -0.12)
	closure.Severity = model.SeverityCritical
	tomtom := &fakeSource{name: model.SourceTomTom, recs: []model.HazardRecord{closure}}
	a := New(community, []Source{tomtom}, discard())

	q := query()
	q.Types = []model.HazardType{model.TypePothole}
	q.Limit = 2
	got, err := a.Hazards(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(got))

	q = query()
	q.MinSeverity = model.SeverityHigh
	got, err = a.Hazards(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomtom-c"}, ids(got))
}

func TestHazards_TracksHotnessAndPublishesEvents(t *testing.T) {
	community, osm, tomtom := scenario()
	tracker := expdecay.New(time.Hour)
	events := &recorder{}
	cellOf := func(model.Coordinates) (string, error) { return "cell-1", nil }

	a := New(community, []Source{osm, tomtom}, discard(),
		WithHotness(tracker, cellOf), WithEvents(events))

	for range 3 {
		_, err := a.Hazards(context.Background(), query())
		require.NoError(t, err)
	}

	assert.InDelta(t, 3, tracker.Score("cell-1"), 0.01)
	require.Len(t, events.events, 3)
	ev := events.events[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "cell-1", ev.Cell)
	assert.Equal(t, 2, ev.Count)
	assert.Equal(t, []string{"community", "osm", "tomtom"}, ev.Sources)
}

func TestHazards_CellErrorIsNotFatal(t *testing.T) {
	community, osm, tomtom := scenario()
	events := &recorder{}
	cellOf := func(model.Coordinates) (string, error) { return "", errors.New("bad res") }

	a := New(community, []Source{osm, tomtom}, discard(),
		WithHotness(expdecay.New(time.Minute), cellOf), WithEvents(events))
	_, err := a.Hazards(context.Background(), query())
	require.NoError(t, err)
	require.Len(t, events.events, 1)
	assert.Empty(t, events.events[0].Cell)
}
