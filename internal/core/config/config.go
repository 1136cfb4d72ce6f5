package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultOverpassURL = "https://overpass-api.de/api/interpreter"
	DefaultTomTomURL   = "https://api.tomtom.com/traffic/services/5/incidentDetails"
)

// public Overpass mirrors, tried in order after the primary
var defaultOverpassFallbacks = []string{
	"https://overpass.kumi.systems/api/interpreter",
	"https://maps.mail.ru/osm/tools/overpass/api/interpreter",
}

type CacheCfg struct {
	FreshFor    time.Duration
	HardTTL     time.Duration
	MaxEntries  int
	RedisAddr   string
	SnapshotTTL time.Duration
	OpTimeout   time.Duration
}

type OSMCfg struct {
	Enabled      bool
	URL          string
	FallbackURLs []string
	Timeout      time.Duration
	MaxStartAge  time.Duration
}

type TomTomCfg struct {
	APIKey       string
	URL          string
	FallbackURLs []string
	Timeout      time.Duration
	Language     string
}

type CommunityCfg struct {
	DatabaseURL string
	MaxAge      time.Duration
	Timeout     time.Duration
}

type HotnessCfg struct {
	H3Res     int
	HalfLife  time.Duration
	Threshold float64
}

type HitEventsCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	Queue   int
}

type InvalidationCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
	Oldest  bool
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	Addr            string
	LogLevel        string
	LogConsole      bool
	LogSampleN      int
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	DefaultRadiusM float64
	MaxRadiusM     float64
	DedupRadiusM   float64

	RateLimitBackoff time.Duration
	RefreshTimeout   time.Duration

	Cache     CacheCfg
	OSM       OSMCfg
	TomTom    TomTomCfg
	Community CommunityCfg
	Hotness   HotnessCfg
	HitEvents    HitEventsCfg
	Invalidation InvalidationCfg
	Metrics      MetricsCfg
}

func FromEnv() Config {
	res := getint("H3_RES", 8)
	if res < 0 || res > 15 {
		res = 8
	}

	fresh := getduration("CACHE_FRESH_FOR", 10*time.Minute)
	hard := getduration("CACHE_HARD_TTL", 15*time.Minute)
	if hard < fresh {
		hard = fresh
	}

	maxEntries := getint("CACHE_MAX_ENTRIES", 50)
	if maxEntries <= 0 {
		maxEntries = 50
	}

	defRadius := getfloat("DEFAULT_RADIUS_M", 1000)
	maxRadius := getfloat("MAX_RADIUS_M", 10000)
	if maxRadius <= 0 {
		maxRadius = 10000
	}
	if defRadius <= 0 || defRadius > maxRadius {
		defRadius = min(1000, maxRadius)
	}

	return Config{
		Addr:            getenv("ADDR", ":8090"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
		CORSOrigins:     getlist("CORS_ORIGINS", nil),

		DefaultRadiusM: defRadius,
		MaxRadiusM:     maxRadius,
		DedupRadiusM:   getfloat("DEDUP_RADIUS_M", 50),

		RateLimitBackoff: getduration("RATE_LIMIT_BACKOFF", 2*time.Second),
		RefreshTimeout:   getduration("REFRESH_TIMEOUT", 0),

		Cache: CacheCfg{
			FreshFor:    fresh,
			HardTTL:     hard,
			MaxEntries:  maxEntries,
			RedisAddr:   getenv("REDIS_ADDR", ""),
			SnapshotTTL: getduration("SNAPSHOT_TTL", 24*time.Hour),
			OpTimeout:   getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		},
		OSM: OSMCfg{
			Enabled:      getbool("OSM_ENABLED", true),
			URL:          getenv("OVERPASS_URL", DefaultOverpassURL),
			FallbackURLs: getlist("OVERPASS_FALLBACK_URLS", defaultOverpassFallbacks),
			Timeout:      getduration("OSM_TIMEOUT", 45*time.Second),
			MaxStartAge:  getduration("OSM_MAX_START_AGE", 2*365*24*time.Hour),
		},
		TomTom: TomTomCfg{
			APIKey:       getenv("TOMTOM_API_KEY", ""),
			URL:          getenv("TOMTOM_URL", DefaultTomTomURL),
			FallbackURLs: getlist("TOMTOM_FALLBACK_URLS", nil),
			Timeout:      getduration("TOMTOM_TIMEOUT", 30*time.Second),
			Language:     getenv("TOMTOM_LANGUAGE", "en-GB"),
		},
		Community: CommunityCfg{
			DatabaseURL: getenv("DATABASE_URL", ""),
			MaxAge:      getduration("COMMUNITY_MAX_AGE", 30*24*time.Hour),
			Timeout:     getduration("COMMUNITY_TIMEOUT", 5*time.Second),
		},
		Hotness: HotnessCfg{
			H3Res:     res,
			HalfLife:  getduration("HOT_HALF_LIFE", time.Minute),
			Threshold: getfloat("HOT_THRESHOLD", 0),
		},
		HitEvents: HitEventsCfg{
			Enabled: getbool("HIT_EVENTS_ENABLED", false),
			Brokers: getlist("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getenv("HIT_EVENTS_TOPIC", "hazard-queries"),
			Queue:   getint("HIT_EVENTS_QUEUE", 1024),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: getlist("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getenv("INVALIDATION_TOPIC", "hazard-invalidation"),
			GroupID: getenv("INVALIDATION_GROUP_ID", "hazard-aggregator"),
			Oldest:  getbool("INVALIDATION_FROM_OLDEST", false),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

// FetchBudget bounds one live fetch: primary, its 429 retry after backoff,
// then every alternate.
func FetchBudget(perAttempt time.Duration, alternates int, backoff time.Duration) time.Duration {
	return time.Duration(alternates+2)*perAttempt + backoff
}

func (c Config) OSMFetchBudget() time.Duration {
	return FetchBudget(c.OSM.Timeout, len(c.OSM.FallbackURLs), c.RateLimitBackoff)
}

func (c Config) TomTomFetchBudget() time.Duration {
	return FetchBudget(c.TomTom.Timeout, len(c.TomTom.FallbackURLs), c.RateLimitBackoff)
}

// RefreshBudget bounds a background refresh of a source whose live fetch
// may take up to fetch. REFRESH_TIMEOUT can only lengthen it.
func (c Config) RefreshBudget(fetch time.Duration) time.Duration {
	return max(c.RefreshTimeout, fetch)
}

// WriteTimeout leaves room for the slowest enabled source to finish a cold
// miss through every alternate.
func (c Config) WriteTimeout() time.Duration {
	const margin = 15 * time.Second
	d := 2 * time.Minute
	if c.OSM.Enabled {
		d = max(d, c.OSMFetchBudget()+margin)
	}
	if c.TomTom.APIKey != "" {
		d = max(d, c.TomTomFetchBudget()+margin)
	}
	return d
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "a, b ,c" into a list; "none" yields an empty list
func getlist(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return append([]string(nil), def...)
	}
	if strings.EqualFold(v, "none") {
		return nil
	}
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
