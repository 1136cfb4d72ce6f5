package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/hazard-aggregator/internal/aggregate/geojsonagg"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
)

// HazardService answers one aggregated hazard query.
type HazardService interface {
	Hazards(ctx context.Context, q model.Query) ([]model.HazardRecord, error)
}

type Limits struct {
	DefaultRadius float64
	MaxRadius     float64
	MaxLimit      int
}

func (l Limits) withDefaults() Limits {
	if l.MaxRadius <= 0 {
		l.MaxRadius = 10000
	}
	if l.DefaultRadius <= 0 || l.DefaultRadius > l.MaxRadius {
		l.DefaultRadius = min(1000, l.MaxRadius)
	}
	if l.MaxLimit <= 0 {
		l.MaxLimit = 1000
	}
	return l
}

type envelope struct {
	Count   int                  `json:"count"`
	Hazards []model.HazardRecord `json:"hazards"`
}

type errorBody struct {
	Error string `json:"error"`
}

// HandleHazards validates the query string and serves the merged list as JSON
// or, with format=geojson, as a FeatureCollection.
func HandleHazards(logger *slog.Logger, limits Limits, svc HazardService) http.HandlerFunc {
	limits = limits.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/api/hazards", sw.code, time.Since(start).Seconds())
		}()

		q, err := ParseHazardQuery(r, limits)
		if err != nil {
			writeJSON(sw, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}

		recs, err := svc.Hazards(r.Context(), q)
		if err != nil {
			logger.ErrorContext(r.Context(), "hazard query failed", "error", err)
			writeJSON(sw, http.StatusBadGateway, errorBody{Error: "community hazards unavailable"})
			return
		}
		if recs == nil {
			recs = []model.HazardRecord{}
		}

		if wantsGeoJSON(r) {
			b, err := geojsonagg.Encode(recs)
			if err != nil {
				writeJSON(sw, http.StatusInternalServerError, errorBody{Error: err.Error()})
				return
			}
			sw.Header().Set("Content-Type", geojsonagg.ContentType)
			sw.WriteHeader(http.StatusOK)
			_, _ = sw.Write(b)
			return
		}
		writeJSON(sw, http.StatusOK, envelope{Count: len(recs), Hazards: recs})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func wantsGeoJSON(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("format"), "geojson") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), geojsonagg.ContentType)
}

// ParseHazardQuery reads lat, lon, radius, types, minSeverity, sources and
// limit from the query string.
func ParseHazardQuery(r *http.Request, limits Limits) (model.Query, error) {
	limits = limits.withDefaults()
	v := r.URL.Query()

	lat, err := requiredFloat(v.Get("lat"), "lat")
	if err != nil {
		return model.Query{}, err
	}
	lon, err := requiredFloat(v.Get("lon"), "lon")
	if err != nil {
		return model.Query{}, err
	}
	if lat < -90 || lat > 90 {
		return model.Query{}, errors.New("lat must be in [-90,90]")
	}
	if lon < -180 || lon > 180 {
		return model.Query{}, errors.New("lon must be in [-180,180]")
	}

	q := model.Query{
		Center:       model.Coordinates{Latitude: lat, Longitude: lon},
		RadiusMeters: limits.DefaultRadius,
	}

	if raw := strings.TrimSpace(v.Get("radius")); raw != "" {
		radius, err := parseFloat(raw)
		if err != nil {
			return model.Query{}, fmt.Errorf("radius: %w", err)
		}
		if radius <= 0 || radius > limits.MaxRadius {
			return model.Query{}, fmt.Errorf("radius must be in (0,%g]", limits.MaxRadius)
		}
		q.RadiusMeters = radius
	}

	for _, s := range list(v.Get("types")) {
		t, err := model.ParseHazardType(s)
		if err != nil {
			return model.Query{}, err
		}
		q.Types = append(q.Types, t)
	}

	if raw := strings.TrimSpace(v.Get("minSeverity")); raw != "" {
		sev, err := model.ParseSeverity(raw)
		if err != nil {
			return model.Query{}, err
		}
		q.MinSeverity = sev
	}

	for _, s := range list(v.Get("sources")) {
		src, err := model.ParseSource(s)
		if err != nil {
			return model.Query{}, err
		}
		q.Sources = append(q.Sources, src)
	}

	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return model.Query{}, errors.New("limit must be a non-negative integer")
		}
		q.Limit = min(n, limits.MaxLimit)
	}
	return q, nil
}

func requiredFloat(raw, name string) (float64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("missing required parameter: %s", name)
	}
	f, err := parseFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	if math.IsNaN(f) {
		return 0, errors.New("parse float: NaN")
	}
	return f, nil
}

func list(raw string) []string {
	var out []string
	for p := range strings.SplitSeq(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
