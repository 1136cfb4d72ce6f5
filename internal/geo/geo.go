// Package geo holds the distance and bounding-box math shared by the sources
// and the merger.
package geo

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

// EarthRadiusMeters is the mean Earth radius used for Haversine distances.
const EarthRadiusMeters = 6371000.0

const metersPerDegreeLat = math.Pi * EarthRadiusMeters / 180

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance in meters between two points.
func Haversine(a, b model.Coordinates) float64 {
	dLat := rad(b.Latitude - a.Latitude)
	dLon := rad(b.Longitude - a.Longitude)
	s1 := math.Sin(dLat / 2)
	s2 := math.Sin(dLon / 2)
	h := s1*s1 + math.Cos(rad(a.Latitude))*math.Cos(rad(b.Latitude))*s2*s2
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// BoundAround returns the box of half-width radius meters around center using
// an equirectangular approximation. Longitude span is scaled by cos(lat) and
// clamped near the poles.
func BoundAround(center model.Coordinates, radius float64) orb.Bound {
	dLat := radius / metersPerDegreeLat
	cos := math.Cos(rad(center.Latitude))
	if cos < 1e-6 {
		cos = 1e-6
	}
	dLon := radius / (metersPerDegreeLat * cos)

	b := orb.Bound{
		Min: orb.Point{center.Longitude - dLon, center.Latitude - dLat},
		Max: orb.Point{center.Longitude + dLon, center.Latitude + dLat},
	}
	b.Min[0] = math.Max(b.Min[0], -180)
	b.Max[0] = math.Min(b.Max[0], 180)
	b.Min[1] = math.Max(b.Min[1], -90)
	b.Max[1] = math.Min(b.Max[1], 90)
	return b
}

// LineMidpoint returns the vertex at the middle index of ls.
func LineMidpoint(ls orb.LineString) (model.Coordinates, bool) {
	if len(ls) == 0 {
		return model.Coordinates{}, false
	}
	return FromPoint(ls[len(ls)/2]), true
}

// FromPoint converts an orb point (lon, lat) to coordinates.
func FromPoint(p orb.Point) model.Coordinates {
	return model.Coordinates{Latitude: p.Lat(), Longitude: p.Lon()}
}

// ToPoint converts coordinates to an orb point (lon, lat).
func ToPoint(c model.Coordinates) orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}
