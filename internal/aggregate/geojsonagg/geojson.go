// Package geojsonagg renders merged hazard lists as GeoJSON.
package geojsonagg

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
)

const ContentType = "application/geo+json"

// FeatureCollection returns one point feature per record, in input order.
func FeatureCollection(recs []model.HazardRecord) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, h := range recs {
		f := geojson.NewFeature(geo.ToPoint(h.Coordinates))
		f.ID = h.ID
		f.Properties = properties(h)
		fc.Append(f)
	}
	return fc
}

func Encode(recs []model.HazardRecord) ([]byte, error) {
	b, err := json.Marshal(FeatureCollection(recs))
	if err != nil {
		return nil, fmt.Errorf("encode geojson: %w", err)
	}
	return b, nil
}

func properties(h model.HazardRecord) geojson.Properties {
	p := geojson.Properties{
		"source":      string(h.Source),
		"type":        string(h.Type),
		"severity":    string(h.Severity),
		"description": h.Description,
		"reportedAt":  h.ReportedAt.Format(time.RFC3339),
		"verified":    h.Verified,
	}
	if h.StartDate != nil {
		p["startDate"] = h.StartDate.Format(time.RFC3339)
	}
	if h.EndDate != nil {
		p["endDate"] = h.EndDate.Format(time.RFC3339)
	}
	if h.DistanceMeters != nil {
		p["distanceMeters"] = *h.DistanceMeters
	}
	if len(h.Metadata) > 0 {
		p["metadata"] = h.Metadata
	}
	return p
}
