// Package metricswrap exports hotness state as metrics and logs tiles that
// cross the hot threshold.
package metricswrap

import (
	"log/slog"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness"
)

type WithMetrics struct {
	inner     hotness.Interface
	tier      string
	threshold float64
	log       *slog.Logger
}

var _ hotness.Interface = (*WithMetrics)(nil)

// New wraps inner. A threshold of zero disables hot tile logging.
func New(inner hotness.Interface, tier string, threshold float64, log *slog.Logger) *WithMetrics {
	if tier == "" {
		tier = "tiles"
	}
	return &WithMetrics{inner: inner, tier: tier, threshold: threshold, log: log}
}

func (w *WithMetrics) Inc(cell string) {
	w.inner.Inc(cell)
	if w.threshold > 0 && w.log != nil {
		// log only on the crossing so a hot tile is reported once per climb
		if score := w.inner.Score(cell); score >= w.threshold && score-1 < w.threshold {
			w.log.Info("hot tile above threshold",
				"event", "hotness_threshold", "cell", cell, "score", score, "tier", w.tier)
		}
	}
	w.report()
}

func (w *WithMetrics) Score(cell string) float64 {
	return w.inner.Score(cell)
}

func (w *WithMetrics) Reset(cells ...string) {
	w.inner.Reset(cells...)
	w.report()
}

func (w *WithMetrics) report() {
	if s, ok := w.inner.(hotness.Sizer); ok {
		observability.SetHotKeysGauge(w.tier, s.Size())
	}
}
