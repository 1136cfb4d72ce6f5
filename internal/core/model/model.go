// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Source string

const (
	SourceCommunity Source = "community"
	SourceOSM       Source = "osm"
	SourceTomTom    Source = "tomtom"
)

// Sources lists every known source in merge priority order.
var Sources = []Source{SourceCommunity, SourceOSM, SourceTomTom}

func ParseSource(s string) (Source, error) {
	v := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Sources {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

type HazardType string

const (
	TypeConstruction HazardType = "construction"
	TypeRoadClosure  HazardType = "road_closure"
	TypeRoadWork     HazardType = "road_work"
	TypeBarrier      HazardType = "barrier"
	TypeAccident     HazardType = "accident"
	TypeFlooding     HazardType = "flooding"
	TypePoorLighting HazardType = "poor_lighting"
	TypeRoadDamage   HazardType = "road_damage"
	TypePothole      HazardType = "pothole"
	TypeOther        HazardType = "other"
)

var hazardTypes = []HazardType{
	TypeConstruction, TypeRoadClosure, TypeRoadWork, TypeBarrier, TypeAccident,
	TypeFlooding, TypePoorLighting, TypeRoadDamage, TypePothole, TypeOther,
}

func ParseHazardType(s string) (HazardType, error) {
	v := HazardType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range hazardTypes {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown hazard type %q", s)
}

// Severity is ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of s, or 0 for an unknown severity.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	if v.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return v, nil
}

// Coordinates are WGS84 degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180 &&
		!math.IsNaN(c.Latitude) && !math.IsNaN(c.Longitude)
}

// HazardRecord is the normalized hazard every source maps into.
type HazardRecord struct {
	ID             string         `json:"id"`
	Source         Source         `json:"source"`
	Type           HazardType     `json:"type"`
	Severity       Severity       `json:"severity"`
	Coordinates    Coordinates    `json:"coordinates"`
	Description    string         `json:"description"`
	ReportedAt     time.Time      `json:"reportedAt"`
	StartDate      *time.Time     `json:"startDate,omitempty"`
	EndDate        *time.Time     `json:"endDate,omitempty"`
	Verified       bool           `json:"verified"`
	DistanceMeters *float64       `json:"distanceMeters,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the record has an end date before now.
func (h HazardRecord) Expired(now time.Time) bool {
	return h.EndDate != nil && h.EndDate.Before(now)
}

// Active returns the records of in that are not expired at now, as a new slice.
func Active(in []HazardRecord, now time.Time) []HazardRecord {
	out := make([]HazardRecord, 0, len(in))
	for _, h := range in {
		if h.Expired(now) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Clone returns a copy of in that shares no slice backing with it.
func Clone(in []HazardRecord) []HazardRecord {
	if in == nil {
		return nil
	}
	out := make([]HazardRecord, len(in))
	copy(out, in)
	return out
}

// Query is one aggregation request.
type Query struct {
	Center       Coordinates
	RadiusMeters float64
	Types        []HazardType
	MinSeverity  Severity
	Sources      []Source
	Limit        int
}

func (q Query) Validate() error {
	if !q.Center.Valid() {
		return fmt.Errorf("invalid center %.6f,%.6f", q.Center.Latitude, q.Center.Longitude)
	}
	if q.RadiusMeters <= 0 {
		return fmt.Errorf("radius must be positive, got %v", q.RadiusMeters)
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", q.Limit)
	}
	return nil
}

// Wants reports whether src passes the query's source filter.
func (q Query) Wants(src Source) bool {
	if len(q.Sources) == 0 {
		return true
	}
	for _, s := range q.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// Matches reports whether h passes the type and severity filters.
func (q Query) Matches(h HazardRecord) bool {
	if !q.Wants(h.Source) {
		return false
	}
	if q.MinSeverity != "" && h.Severity.Rank() < q.MinSeverity.Rank() {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if t == h.Type {
			return true
		}
	}
	return false
}
