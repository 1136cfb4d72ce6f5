package router

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness"
	"github.com/mohammed-shakir/hazard-aggregator/internal/mapper"
)

type cellScore struct {
	Cell  string  `json:"cell"`
	Score float64 `json:"score"`
}

// HandleHotness reports the decayed query score of every cell around a point,
// hottest first. Cells never queried are omitted.
func HandleHotness(logger *slog.Logger, limits Limits, m mapper.Interface, res int, hot hotness.Interface) http.HandlerFunc {
	limits = limits.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/api/hotness", sw.code, time.Since(start).Seconds())
		}()

		q, err := ParseHazardQuery(r, limits)
		if err != nil {
			writeJSON(sw, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		cells, err := m.CellsForArea(q.Center, q.RadiusMeters, res)
		if err != nil {
			logger.WarnContext(r.Context(), "hotness cells", "error", err)
			writeJSON(sw, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}

		out := make([]cellScore, 0, len(cells))
		for _, c := range cells {
			if s := hot.Score(c); s > 0 {
				out = append(out, cellScore{Cell: c, Score: s})
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		writeJSON(sw, http.StatusOK, map[string]any{"resolution": res, "cells": out})
	}
}
