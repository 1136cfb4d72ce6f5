// Package invalidation describes the events that tell the service a region's
// cached hazards are out of date, e.g. after a road authority publishes a
// closure or a hazard report is resolved.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
)

type Event struct {
	Version int          `json:"version"`
	ID      string       `json:"id,omitempty"`
	Op      string       `json:"op"`
	Source  model.Source `json:"source,omitempty"`
	TS      time.Time    `json:"ts"`
	BBox    *BBox        `json:"bbox,omitempty"`
	// Geometry is a GeoJSON Polygon or MultiPolygon.
	Geometry *geojson.Geometry `json:"geometry,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return errors.New("op must be insert|update|delete")
	}
	switch e.Source {
	case "", model.SourceOSM, model.SourceTomTom:
	default:
		return fmt.Errorf("source %q has no cache to invalidate", e.Source)
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	hasBBox := e.BBox != nil
	hasGeom := e.Geometry != nil
	if hasBBox == hasGeom {
		return errors.New("exactly one of bbox or geometry is required")
	}
	if hasBBox {
		bb := *e.BBox
		if bb.SRID != "EPSG:4326" {
			return errors.New("bbox.srid must be EPSG:4326")
		}
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return errors.New("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return errors.New("bbox latitude out of range")
		}
		if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
			return errors.New("bbox must satisfy x2>x1 and y2>y1")
		}
		return nil
	}
	switch g := e.Geometry.Geometry().(type) {
	case orb.Polygon, orb.MultiPolygon:
		if g.Bound().IsEmpty() {
			return errors.New("geometry is empty")
		}
	default:
		return fmt.Errorf("geometry.type must be Polygon or MultiPolygon, got %s", e.Geometry.Type)
	}
	return nil
}

// Bound is the area whose cached tiles the event invalidates.
func (e Event) Bound() orb.Bound {
	if e.BBox != nil {
		return orb.Bound{
			Min: orb.Point{e.BBox.X1, e.BBox.Y1},
			Max: orb.Point{e.BBox.X2, e.BBox.Y2},
		}
	}
	if e.Geometry == nil || e.Geometry.Geometry() == nil {
		return orb.Bound{}
	}
	return e.Geometry.Geometry().Bound()
}

// Sources lists the cached sources the event applies to.
func (e Event) Sources() []model.Source {
	if e.Source != "" {
		return []model.Source{e.Source}
	}
	return []model.Source{model.SourceOSM, model.SourceTomTom}
}

// DedupeKey identifies a replayed event; events without an ID are never
// treated as replays.
func (e Event) DedupeKey() string {
	return strings.TrimSpace(e.ID)
}
