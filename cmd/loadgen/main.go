package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Config struct {
	TargetURL      string
	Radius         float64
	Sources        string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	PointCount     int
	OutputPrefix   string
	RequestTimeout time.Duration
	Seed           int64
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/api/hazards", "Hazard endpoint URL")
	flag.Float64Var(&cfg.Radius, "radius", 1000, "Query radius in meters")
	flag.StringVar(&cfg.Sources, "sources", "", "Optional comma-separated source filter")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.PointCount, "points", 256, "Distinct query centers in pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/hazards", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 30*time.Second, "Per-request timeout")
	flag.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 picks one from the clock)")
	flag.Parse()
	return cfg
}

type point struct{ Lat, Lon float64 }

func (p point) String() string { return fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lon) }

// makePoints puts a quarter of the pool (at least 8) near a few city centers
// and scatters the rest, so Zipf picks produce a realistic hot set.
func makePoints(count int, r *rand.Rand) []point {
	centers := []point{
		{51.5074, -0.1278}, // London
		{59.3293, 18.0686}, // Stockholm
		{52.5200, 13.4050}, // Berlin
		{48.8566, 2.3522},  // Paris
	}
	if count <= 0 {
		return nil
	}
	out := make([]point, 0, count)
	hot := min(count, max(8, count/4))
	for i := range hot {
		c := centers[i%len(centers)]
		out = append(out, point{c.Lat + (r.Float64()-0.5)*0.05, c.Lon + (r.Float64()-0.5)*0.08})
	}
	for len(out) < count {
		out = append(out, point{45 + r.Float64()*15, -5 + r.Float64()*25})
	}
	return out
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Count     int
	ErrorMsg  string
	Index     int
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	MeanHazards   float64   `json:"mean_hazards"`
	Concurrency   int       `json:"concurrency"`
	Points        int       `json:"points"`
	RadiusM       float64   `json:"radius_m"`
	TargetURL     string    `json:"target"`
}

type aggregated struct {
	total, success, errors int64
	hazards                int64
	latMs                  []float64
}

func collect(samples <-chan sample, w *csv.Writer, pts []point) aggregated {
	_ = w.Write([]string{"timestamp", "latency_ms", "status", "count", "error", "idx", "point"})
	var a aggregated
	for s := range samples {
		a.total++
		ms := float64(s.Latency.Microseconds()) / 1000.0
		if s.ErrorMsg == "" {
			a.success++
			a.hazards += int64(s.Count)
			a.latMs = append(a.latMs, ms)
		} else {
			a.errors++
		}
		_ = w.Write([]string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(ms, 'f', 3, 64),
			strconv.Itoa(s.Status),
			strconv.Itoa(s.Count),
			s.ErrorMsg,
			strconv.Itoa(s.Index),
			pts[s.Index].String(),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Printf("csv flush error: %v", err)
	}
	return a
}

func buildURL(base *url.URL, p point, radius float64, sources string) string {
	u := *base
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(p.Lon, 'f', 6, 64))
	q.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))
	if sources != "" {
		q.Set("sources", sources)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func query(ctx context.Context, c *http.Client, target string) (status, count int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, 0, fmt.Errorf("status=%d", resp.StatusCode)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return resp.StatusCode, 0, fmt.Errorf("decode: %w", err)
	}
	return resp.StatusCode, body.Count, nil
}

func main() {
	cfg := loadConfig()
	base, err := url.Parse(cfg.TargetURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		log.Fatalf("bad target %q", cfg.TargetURL)
	}
	if cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		log.Fatalf("zipf parameters need s>1 and v>=1, got s=%v v=%v", cfg.ZipfS, cfg.ZipfV)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	pts := makePoints(cfg.PointCount, rand.New(rand.NewSource(seed)))
	if len(pts) == 0 {
		log.Fatalf("no query points generated")
	}
	imax := uint64(len(pts)) - 1

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        512,
			MaxIdleConnsPerHost: 128,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath, jsonPath := prefix+"_samples.csv", prefix+"_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Fatalf("open csv: %v", err)
	}
	defer func() { _ = csvFile.Close() }()

	samples := make(chan sample, 4096)
	results := make(chan aggregated, 1)
	go func() { results <- collect(samples, csv.NewWriter(csvFile), pts) }()

	start := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) points=%d radius=%.0f",
		cfg.TargetURL, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(pts), cfg.Radius)

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			zipf := rand.NewZipf(rand.New(rand.NewSource(seed+int64(id)+1)), cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				idx := int(zipf.Uint64())
				t0 := time.Now()
				status, count, err := query(ctx, httpClient, buildURL(base, pts[idx], cfg.Radius, cfg.Sources))
				s := sample{Timestamp: t0, Latency: time.Since(t0), Status: status, Count: count, Index: idx}
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.ErrorMsg = err.Error()
				}
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	close(samples)

	agg := <-results
	end := time.Now()
	elapsed := end.Sub(start).Seconds()
	sort.Float64s(agg.latMs)

	sum := summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		Points:        len(pts),
		RadiusM:       cfg.Radius,
		TargetURL:     cfg.TargetURL,
	}
	if agg.success > 0 {
		sum.MeanHazards = float64(agg.hazards) / float64(agg.success)
	}

	b, err := json.MarshalIndent(sum, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Clean(jsonPath), b, 0o600)
	}
	if err != nil {
		log.Printf("write summary: %v", err)
	}

	log.Printf("done: total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms hazards=%.1f",
		agg.total, agg.success, agg.errors, sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms, sum.MeanHazards)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
	if strings.TrimSpace(cfg.Sources) != "" {
		log.Printf("source filter: %s", cfg.Sources)
	}
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
