package overpass

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
)

// Synonymous tags, checked in order; the first present wins.
var (
	endTags   = []string{"end_date", "construction:end_date", "temporary:end_date", "expected_end_date"}
	startTags = []string{"start_date", "construction:start_date", "construction:date", "temporary:start_date"}
)

var closureTags = []string{"access", "motor_vehicle", "vehicle", "temporary:access"}

// metadataTags are copied into record metadata when present.
var metadataTags = []string{"highway", "construction", "access", "motor_vehicle", "barrier", "name", "ref", "operator"}

type latLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type element struct {
	Type      osm.Type     `json:"type"`
	ID        int64        `json:"id"`
	Lat       *float64     `json:"lat"`
	Lon       *float64     `json:"lon"`
	Center    *latLon      `json:"center"`
	Nodes     []osm.NodeID `json:"nodes"`
	Tags      osm.Tags     `json:"tags"`
	Timestamp string       `json:"timestamp"`
	Version   int          `json:"version"`
}

type response struct {
	Elements []json.RawMessage `json:"elements"`
	Remark   string            `json:"remark"`
}

// ErrServerRemark reports a 200 response whose remark says the query was
// aborted server-side, typically a timeout or memory limit.
var ErrServerRemark = errors.New("overpass aborted query")

// CheckRemark fails a body whose remark reports a server-side abort. It fits
// executor.WithValidator so such a response fails over to a mirror.
func CheckRemark(body []byte) error {
	var r struct {
		Remark string `json:"remark"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("decode overpass response: %w", err)
	}
	return remarkError(r.Remark)
}

// Partial element lists accompany these remarks, so they fail the whole body.
func remarkError(remark string) error {
	if strings.HasPrefix(remark, "runtime error") || strings.HasPrefix(remark, "runtime remark") {
		return fmt.Errorf("%w: %s", ErrServerRemark, remark)
	}
	return nil
}

type parser struct {
	now         time.Time
	maxStartAge time.Duration
	skip        func(reason string)
}

// Parse converts an Overpass JSON body into hazard records valid at now.
// Malformed or unmappable elements are skipped individually.
func Parse(body []byte, now time.Time, maxStartAge time.Duration) ([]model.HazardRecord, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode overpass response: %w", err)
	}
	if err := remarkError(resp.Remark); err != nil {
		return nil, err
	}
	if resp.Elements == nil && resp.Remark != "" {
		return nil, fmt.Errorf("overpass remark: %s", resp.Remark)
	}

	p := parser{
		now:         now,
		maxStartAge: maxStartAge,
		skip:        func(reason string) { observability.IncParseSkipped(string(model.SourceOSM), reason) },
	}

	elems := make([]element, 0, len(resp.Elements))
	nodes := make(map[osm.NodeID]orb.Point)
	for _, raw := range resp.Elements {
		var e element
		if err := json.Unmarshal(raw, &e); err != nil {
			p.skip("malformed")
			continue
		}
		if e.Type == osm.TypeNode && e.Lat != nil && e.Lon != nil {
			nodes[osm.NodeID(e.ID)] = orb.Point{*e.Lon, *e.Lat}
		}
		elems = append(elems, e)
	}

	out := make([]model.HazardRecord, 0, len(elems))
	seen := make(map[string]struct{}, len(elems))
	for _, e := range elems {
		rec, ok := p.record(e, nodes)
		if !ok {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out, nil
}

func (p parser) record(e element, nodes map[osm.NodeID]orb.Point) (model.HazardRecord, bool) {
	if len(e.Tags) == 0 {
		// untagged nodes only serve way geometry
		return model.HazardRecord{}, false
	}
	typ, sev, ok := classify(e.Tags)
	if !ok {
		return model.HazardRecord{}, false
	}

	var pos model.Coordinates
	switch e.Type {
	case osm.TypeWay:
		pos, ok = wayPoint(e, nodes)
	case osm.TypeNode:
		ok = e.Lat != nil && e.Lon != nil
		if ok {
			pos = model.Coordinates{Latitude: *e.Lat, Longitude: *e.Lon}
		}
	default:
		ok = false
	}
	if !ok || !pos.Valid() {
		p.skip("no_geometry")
		return model.HazardRecord{}, false
	}

	end, hasEnd := firstDate(e.Tags, endTags, true)
	if hasEnd && end.Before(p.now) {
		p.skip("ended")
		return model.HazardRecord{}, false
	}
	start, hasStart := firstDate(e.Tags, startTags, false)
	if hasStart && p.maxStartAge > 0 && p.now.Sub(start) > p.maxStartAge {
		p.skip("stale_start")
		return model.HazardRecord{}, false
	}

	rec := model.HazardRecord{
		ID:          fmt.Sprintf("osm-%s-%d", e.Type, e.ID),
		Source:      model.SourceOSM,
		Type:        typ,
		Severity:    sev,
		Coordinates: pos,
		Description: describe(typ, e.Tags),
		ReportedAt:  p.now,
		Verified:    true,
		Metadata:    metadata(e),
	}
	if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
		rec.ReportedAt = ts.UTC()
	}
	if hasStart {
		rec.StartDate = &start
	}
	if hasEnd {
		rec.EndDate = &end
	}
	return rec, true
}

// classify maps tag combinations to a hazard type and default severity.
// Closures outrank construction, which outranks minor works and barriers.
func classify(t osm.Tags) (model.HazardType, model.Severity, bool) {
	highway := t.Find("highway")
	construction := t.Find("construction")

	if highway != "" {
		for _, k := range closureTags {
			if t.Find(k) == "no" {
				return model.TypeRoadClosure, model.SeverityHigh, true
			}
		}
	}
	switch {
	case highway == "construction":
		if construction == "minor" {
			return model.TypeRoadWork, model.SeverityLow, true
		}
		return model.TypeConstruction, model.SeverityMedium, true
	case construction == "minor":
		return model.TypeRoadWork, model.SeverityLow, true
	case construction != "" && construction != "no":
		return model.TypeConstruction, model.SeverityMedium, true
	case t.Find("barrier") != "":
		return model.TypeBarrier, model.SeverityLow, true
	}
	return "", "", false
}

func wayPoint(e element, nodes map[osm.NodeID]orb.Point) (model.Coordinates, bool) {
	if e.Center != nil {
		return model.Coordinates{Latitude: e.Center.Lat, Longitude: e.Center.Lon}, true
	}
	ls := make(orb.LineString, 0, len(e.Nodes))
	for _, id := range e.Nodes {
		if pt, ok := nodes[id]; ok {
			ls = append(ls, pt)
		}
	}
	return geo.LineMidpoint(ls)
}

var labels = map[model.HazardType]string{
	model.TypeRoadClosure:  "Road closed",
	model.TypeConstruction: "Construction",
	model.TypeRoadWork:     "Minor road works",
	model.TypeBarrier:      "Barrier",
}

func describe(typ model.HazardType, t osm.Tags) string {
	for _, k := range []string{"description", "note"} {
		if v := strings.TrimSpace(t.Find(k)); v != "" {
			return v
		}
	}
	label := labels[typ]
	if typ == model.TypeBarrier {
		label = fmt.Sprintf("%s (%s)", label, strings.ReplaceAll(t.Find("barrier"), "_", " "))
	}
	road := strings.TrimSpace(t.Find("name"))
	if road == "" {
		road = strings.TrimSpace(t.Find("ref"))
	}
	if road != "" {
		return label + " on " + road
	}
	return label
}

func metadata(e element) map[string]any {
	m := map[string]any{
		"osmType": string(e.Type),
		"osmId":   e.ID,
	}
	if e.Version > 0 {
		m["version"] = e.Version
	}
	if e.Timestamp != "" {
		m["timestamp"] = e.Timestamp
	}
	tags := map[string]string{}
	for _, k := range metadataTags {
		if v := e.Tags.Find(k); v != "" {
			tags[k] = v
		}
	}
	for _, k := range append(append([]string{}, endTags...), startTags...) {
		if v := e.Tags.Find(k); v != "" {
			tags[k] = v
		}
	}
	if len(tags) > 0 {
		m["tags"] = tags
	}
	return m
}

// firstDate parses the first present tag of keys. An end date covers its
// whole period, so "2025-06" ends on the last second of June.
func firstDate(t osm.Tags, keys []string, end bool) (time.Time, bool) {
	for _, k := range keys {
		v := strings.TrimSpace(t.Find(k))
		if v == "" {
			continue
		}
		return parseDate(v, end)
	}
	return time.Time{}, false
}

var dateLayouts = []struct {
	layout string
	period func(time.Time) time.Time
}{
	{time.RFC3339, nil},
	{"2006-01-02T15:04", nil},
	{"2006-01-02 15:04", nil},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

func parseDate(v string, end bool) (time.Time, bool) {
	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, v)
		if err != nil {
			continue
		}
		t = t.UTC()
		if end && l.period != nil {
			t = l.period(t).Add(-time.Second)
		}
		return t, true
	}
	return time.Time{}, false
}
