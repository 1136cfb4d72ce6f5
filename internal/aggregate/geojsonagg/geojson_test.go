package geojsonagg

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

func TestEncode_PointFeaturesInOrder(t *testing.T) {
	d := 42.5
	end := time.Date(2099, 1, 1, 23, 59, 59, 0, time.UTC)
	recs := []model.HazardRecord{
		{ID: "1", Source: model.SourceCommunity, Type: model.TypePothole, Severity: model.SeverityLow,
			Coordinates: model.Coordinates{Latitude: 51.5, Longitude: -0.12}, DistanceMeters: &d},
		{ID: "osm-way-9", Source: model.SourceOSM, Type: model.TypeConstruction, Severity: model.SeverityMedium,
			Coordinates: model.Coordinates{Latitude: 51.501, Longitude: -0.121}, EndDate: &end, Verified: true},
	}

	b, err := Encode(recs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		t.Fatalf("decode: %v\n%s", err, b)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("features = %d", len(fc.Features))
	}

	first := fc.Features[0]
	if first.ID != "1" {
		t.Fatalf("first id = %v", first.ID)
	}
	if pt, ok := first.Geometry.(orb.Point); !ok || pt.Lon() != -0.12 || pt.Lat() != 51.5 {
		t.Fatalf("geometry = %#v, want lon/lat order", first.Geometry)
	}
	if first.Properties.MustFloat64("distanceMeters") != 42.5 {
		t.Fatalf("distance lost: %v", first.Properties)
	}

	second := fc.Features[1]
	if second.Properties.MustString("endDate") != "2099-01-01T23:59:59Z" {
		t.Fatalf("endDate = %v", second.Properties["endDate"])
	}
	if !second.Properties.MustBool("verified") {
		t.Fatalf("verified lost")
	}
}

func TestEncode_EmptyIsValidCollection(t *testing.T) {
	b, err := Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["type"] != "FeatureCollection" {
		t.Fatalf("type = %v", raw["type"])
	}
	if feats, ok := raw["features"].([]any); !ok || len(feats) != 0 {
		t.Fatalf("features = %v", raw["features"])
	}
}
