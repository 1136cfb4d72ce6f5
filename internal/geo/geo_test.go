package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

func TestHaversine_KnownDistance(t *testing.T) {
	d := Haversine(model.Coordinates{Latitude: 51.5074, Longitude: -0.1278},
		model.Coordinates{Latitude: 51.5082, Longitude: -0.1278})
	assert.InDelta(t, 89, d, 5)
}

func TestHaversine_SymmetricAndZero(t *testing.T) {
	a := model.Coordinates{Latitude: 40.7128, Longitude: -74.0060}
	b := model.Coordinates{Latitude: 34.0522, Longitude: -118.2437}
	assert.InDelta(t, Haversine(a, b), Haversine(b, a), 1e-6)
	assert.Zero(t, Haversine(a, a))
	// NYC to LA is roughly 3936 km.
	assert.InDelta(t, 3936e3, Haversine(a, b), 10e3)
}

func TestBoundAround_ContainsRadius(t *testing.T) {
	c := model.Coordinates{Latitude: 51.5, Longitude: -0.12}
	b := BoundAround(c, 1000)

	north := FromPoint(orb.Point{c.Longitude, b.Max.Lat()})
	east := FromPoint(orb.Point{b.Max.Lon(), c.Latitude})
	assert.InDelta(t, 1000, Haversine(c, north), 5)
	assert.InDelta(t, 1000, Haversine(c, east), 5)
	assert.True(t, b.Contains(ToPoint(c)))
}

func TestBoundAround_ClampsAtPole(t *testing.T) {
	b := BoundAround(model.Coordinates{Latitude: 89.999, Longitude: 179.9}, 5000)
	assert.LessOrEqual(t, b.Max.Lat(), 90.0)
	assert.LessOrEqual(t, b.Max.Lon(), 180.0)
	assert.False(t, math.IsInf(b.Min.Lon(), 0))
}

func TestLineMidpoint(t *testing.T) {
	_, ok := LineMidpoint(nil)
	require.False(t, ok)

	ls := orb.LineString{{-0.10, 51.50}, {-0.11, 51.51}, {-0.12, 51.52}, {-0.13, 51.53}}
	mid, ok := LineMidpoint(ls)
	require.True(t, ok)
	assert.Equal(t, model.Coordinates{Latitude: 51.52, Longitude: -0.12}, mid)
}
