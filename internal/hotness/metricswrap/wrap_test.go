package metricswrap

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
	"github.com/mohammed-shakir/hazard-aggregator/internal/hotness/expdecay"
	"github.com/mohammed-shakir/hazard-aggregator/internal/metrics"
)

func Test_HotnessGauge_Updates(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)

	w := New(expdecay.New(30*time.Second), "tiles", 0, nil)
	w.Inc("cellA")
	w.Inc("cellB")
	w.Reset("cellA")

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	if !strings.Contains(body, `hotness_tracked_keys{tier="tiles"} 1`) {
		t.Fatalf("expected tracked keys gauge == 1, got:\n%s", body)
	}
}

func Test_LogsOnceWhenCrossingThreshold(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	w := New(expdecay.New(time.Hour), "", 3, log)
	for range 5 {
		w.Inc("busy")
	}

	if got := strings.Count(buf.String(), "hot tile above threshold"); got != 1 {
		t.Fatalf("logged %d times, want 1:\n%s", got, buf.String())
	}
	if w.Score("busy") < 4.9 {
		t.Fatalf("score passthrough broken: %g", w.Score("busy"))
	}
}
