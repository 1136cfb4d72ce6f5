package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/hazard-aggregator/internal/aggregate"
	"github.com/mohammed-shakir/hazard-aggregator/internal/app"
	"github.com/mohammed-shakir/hazard-aggregator/internal/cache"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/config"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/executor"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/server"
	"github.com/mohammed-shakir/hazard-aggregator/internal/logger"
	"github.com/mohammed-shakir/hazard-aggregator/internal/refresh"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources/overpass"
	"github.com/mohammed-shakir/hazard-aggregator/internal/sources/tomtom"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

const overpassBody = `{"elements":[
  {"type":"way","id":9,"center":{"lat":51.501,"lon":-0.121},
   "tags":{"highway":"construction","name":"Whitehall","end_date":"2099-01-01"}}
]}`

type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newUpstream(t *testing.T, body string) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		u.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type staticCommunity []model.HazardRecord

func (s staticCommunity) Hazards(context.Context, model.Query) ([]model.HazardRecord, error) {
	return s, nil
}

func newAdapter(t *testing.T, clk clockwork.Clock, p sources.Provider) (*sources.Adapter, *refresh.Refresher) {
	t.Helper()
	store, err := cache.New(cache.Config{Source: string(p.Name()), FreshFor: 10 * time.Minute, HardTTL: 15 * time.Minute, MaxEntries: 50},
		cache.WithClock(clk))
	require.NoError(t, err)
	r := refresh.New(store, logger.Discard(), 5*time.Second)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return sources.NewAdapter(p, store, r, logger.Discard(), sources.WithClock(clk)), r
}

type envelope struct {
	Count   int                  `json:"count"`
	Hazards []model.HazardRecord `json:"hazards"`
}

func getHazards(t *testing.T, h http.Handler, query string) envelope {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/hazards?"+query, nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return env
}

func TestPipeline_ScenarioOverHTTP(t *testing.T) {
	clk := clockwork.NewFakeClockAt(now)
	osmUp := newUpstream(t, overpassBody)
	ttUp := newUpstream(t, `{"incidents":[]}`)

	osmExec, err := executor.New(logger.Discard(), nil, "osm", osmUp.srv.URL)
	require.NoError(t, err)
	ttExec, err := executor.New(logger.Discard(), nil, "tomtom", ttUp.srv.URL)
	require.NoError(t, err)
	tt, err := tomtom.New(ttExec, "k", logger.Discard(), tomtom.WithClock(clk))
	require.NoError(t, err)

	osmAd, osmRefresh := newAdapter(t, clk, overpass.New(osmExec, logger.Discard(), overpass.WithClock(clk)))
	ttAd, _ := newAdapter(t, clk, tt)

	community := staticCommunity{{
		ID: "1", Source: model.SourceCommunity, Type: model.TypePothole, Severity: model.SeverityMedium,
		Coordinates: model.Coordinates{Latitude: 51.50, Longitude: -0.12}, ReportedAt: now,
	}}
	agg := aggregate.New(community, []aggregate.Source{osmAd, ttAd}, logger.Discard(), aggregate.WithClock(clk))
	h := server.Handler(config.Config{DefaultRadiusM: 1000, MaxRadiusM: 10000}, logger.Discard(), server.Deps{Hazards: agg})

	env := getHazards(t, h, "lat=51.5&lon=-0.12&radius=1000")
	require.Equal(t, 2, env.Count)
	assert.Equal(t, "1", env.Hazards[0].ID)
	assert.Equal(t, "osm-way-9", env.Hazards[1].ID)
	require.NotNil(t, env.Hazards[1].DistanceMeters)
	assert.InDelta(t, 131, *env.Hazards[1].DistanceMeters, 5)
	assert.Equal(t, int32(1), osmUp.calls.Load())
	assert.Equal(t, int32(1), ttUp.calls.Load())

	// fresh: served from cache
	clk.Advance(5 * time.Minute)
	getHazards(t, h, "lat=51.5&lon=-0.12&radius=1000")
	assert.Equal(t, int32(1), osmUp.calls.Load())

	// stale: served from cache and refreshed once in the background
	clk.Advance(7 * time.Minute)
	env = getHazards(t, h, "lat=51.5&lon=-0.12&radius=1000")
	assert.Equal(t, 2, env.Count)
	getHazards(t, h, "lat=51.5&lon=-0.12&radius=1000")
	osmRefresh.Wait()
	assert.Equal(t, int32(2), osmUp.calls.Load())
}

func TestPipeline_UpstreamDownDegradesToCommunity(t *testing.T) {
	clk := clockwork.NewFakeClockAt(now)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(down.Close)

	exec, err := executor.New(logger.Discard(), nil, "osm", down.URL)
	require.NoError(t, err)
	osmAd, _ := newAdapter(t, clk, overpass.New(exec, logger.Discard(), overpass.WithClock(clk)))

	community := staticCommunity{{ID: "7", Source: model.SourceCommunity, Type: model.TypeFlooding,
		Coordinates: model.Coordinates{Latitude: 51.5, Longitude: -0.12}}}
	agg := aggregate.New(community, []aggregate.Source{osmAd}, logger.Discard(), aggregate.WithClock(clk))

	got, err := agg.Hazards(context.Background(), model.Query{Center: model.Coordinates{Latitude: 51.5, Longitude: -0.12}, RadiusMeters: 500})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "7", got[0].ID)
}

func TestApp_WiresSourcesAndSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	osmUp := newUpstream(t, overpassBody)

	cfg := config.FromEnv()
	cfg.OSM.URL = osmUp.srv.URL
	cfg.OSM.FallbackURLs = nil
	cfg.TomTom.APIKey = ""
	cfg.Community.DatabaseURL = ""
	cfg.Cache.RedisAddr = mr.Addr()
	cfg.HitEvents.Enabled = false
	cfg.Metrics.Enabled = false

	a, err := app.New(context.Background(), cfg, logger.Discard(), app.WithClock(clockwork.NewFakeClockAt(now)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	h := a.Handler()

	env := getHazards(t, h, "lat=51.5&lon=-0.12&radius=1000")
	require.Equal(t, 1, env.Count)
	assert.Equal(t, "osm-way-9", env.Hazards[0].ID)
	assert.NotEmpty(t, mr.Keys(), "a successful fetch writes a snapshot")

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/hotness?lat=51.5&lon=-0.12"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}
