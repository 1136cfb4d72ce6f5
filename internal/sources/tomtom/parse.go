package tomtom

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/geo"
)

// iconCategory → hazard type
var iconTypes = map[int]model.HazardType{
	1:  model.TypeAccident,     // accident
	2:  model.TypePoorLighting, // fog
	5:  model.TypeRoadDamage,   // ice
	6:  model.TypeAccident,     // jam
	7:  model.TypeRoadClosure,  // lane closed
	8:  model.TypeRoadClosure,  // road closed
	9:  model.TypeConstruction, // road works
	10: model.TypeRoadDamage,   // wind
	11: model.TypeFlooding,     // flooding
	14: model.TypeAccident,     // broken down vehicle
}

// magnitudeOfDelay → severity
var magnitudes = map[int]model.Severity{
	0: model.SeverityLow,
	1: model.SeverityLow,
	2: model.SeverityMedium,
	3: model.SeverityHigh,
	4: model.SeverityCritical,
}

func typeFor(icon int) model.HazardType {
	if t, ok := iconTypes[icon]; ok {
		return t
	}
	return model.TypeOther
}

func severityFor(mag int) model.Severity {
	if s, ok := magnitudes[mag]; ok {
		return s
	}
	return model.SeverityLow
}

type event struct {
	Description  string `json:"description"`
	Code         int    `json:"code"`
	IconCategory int    `json:"iconCategory"`
}

// incidentID accepts the id as a JSON string or number.
type incidentID string

func (id *incidentID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = incidentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("incident id: %w", err)
	}
	*id = incidentID(n.String())
	return nil
}

type properties struct {
	ID               incidentID `json:"id"`
	IconCategory     int        `json:"iconCategory"`
	MagnitudeOfDelay int        `json:"magnitudeOfDelay"`
	Events           []event    `json:"events"`
	StartTime        string     `json:"startTime"`
	EndTime          string     `json:"endTime"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	Length           float64    `json:"length"`
	Delay            int        `json:"delay"`
	RoadNumbers      []string   `json:"roadNumbers"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type incident struct {
	Geometry   geometry   `json:"geometry"`
	Properties properties `json:"properties"`
}

type response struct {
	Incidents []json.RawMessage `json:"incidents"`
}

func skip(reason string) { observability.IncParseSkipped(string(model.SourceTomTom), reason) }

// Parse converts an incidentDetails body into records valid at now, with
// distance to center already attached.
func Parse(body []byte, center model.Coordinates, now time.Time) ([]model.HazardRecord, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode tomtom response: %w", err)
	}

	out := make([]model.HazardRecord, 0, len(resp.Incidents))
	for _, raw := range resp.Incidents {
		var inc incident
		if err := json.Unmarshal(raw, &inc); err != nil {
			skip("malformed")
			continue
		}
		rec, ok := toRecord(inc, center, now)
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func toRecord(inc incident, center model.Coordinates, now time.Time) (model.HazardRecord, bool) {
	p := inc.Properties
	if strings.TrimSpace(string(p.ID)) == "" {
		skip("no_id")
		return model.HazardRecord{}, false
	}
	pos, ok := position(inc.Geometry)
	if !ok || !pos.Valid() {
		skip("no_geometry")
		return model.HazardRecord{}, false
	}

	rec := model.HazardRecord{
		ID:          "tomtom-" + string(p.ID),
		Source:      model.SourceTomTom,
		Type:        typeFor(p.IconCategory),
		Severity:    severityFor(p.MagnitudeOfDelay),
		Coordinates: pos,
		ReportedAt:  now,
		Verified:    true,
		Metadata:    metadata(p),
	}
	rec.Description = describe(rec.Type, p)

	if t, err := time.Parse(time.RFC3339, p.StartTime); err == nil {
		t = t.UTC()
		rec.StartDate = &t
		rec.ReportedAt = t
	}
	if t, err := time.Parse(time.RFC3339, p.EndTime); err == nil {
		t = t.UTC()
		if t.Before(now) {
			skip("ended")
			return model.HazardRecord{}, false
		}
		rec.EndDate = &t
	}

	d := geo.Haversine(center, pos)
	rec.DistanceMeters = &d
	return rec, true
}

// position takes a Point as is and a LineString at its middle vertex.
func position(g geometry) (model.Coordinates, bool) {
	switch g.Type {
	case "Point":
		var pt orb.Point
		if err := json.Unmarshal(g.Coordinates, &pt); err != nil {
			return model.Coordinates{}, false
		}
		return geo.FromPoint(pt), true
	case "LineString":
		var ls orb.LineString
		if err := json.Unmarshal(g.Coordinates, &ls); err != nil {
			return model.Coordinates{}, false
		}
		return geo.LineMidpoint(ls)
	}
	return model.Coordinates{}, false
}

func describe(typ model.HazardType, p properties) string {
	var texts []string
	for _, e := range p.Events {
		if s := strings.TrimSpace(e.Description); s != "" {
			texts = append(texts, s)
		}
	}
	desc := strings.Join(texts, ", ")
	if desc == "" {
		desc = strings.ReplaceAll(string(typ), "_", " ")
		desc = strings.ToUpper(desc[:1]) + desc[1:]
	}
	if len(p.RoadNumbers) > 0 {
		desc += " on " + strings.Join(p.RoadNumbers, "/")
	}
	switch {
	case p.From != "" && p.To != "":
		desc += fmt.Sprintf(" from %s to %s", p.From, p.To)
	case p.From != "":
		desc += " at " + p.From
	}
	return desc
}

func metadata(p properties) map[string]any {
	m := map[string]any{
		"iconCategory":     p.IconCategory,
		"magnitudeOfDelay": p.MagnitudeOfDelay,
	}
	if p.Delay > 0 {
		m["delaySeconds"] = p.Delay
	}
	if p.Length > 0 {
		m["lengthMeters"] = p.Length
	}
	if p.From != "" {
		m["from"] = p.From
	}
	if p.To != "" {
		m["to"] = p.To
	}
	if len(p.RoadNumbers) > 0 {
		m["roadNumbers"] = p.RoadNumbers
	}
	return m
}
