package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type BreakerCfg struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

type OvertureCfg struct {
	// Source is a local directory or an https URL of an S3-compatible bucket.
	Source       string
	Release      string
	BatchSize    int
	DefaultLimit int
}

type OpenBuildingsCfg struct {
	BaseURL         string
	Project         string
	Table           string
	ServiceAccount  string
	PrivateKey      string
	CredentialsPath string
	PageSize        int
	DefaultLimit    int
	RPS             float64
}

type SegmentationCfg struct {
	BaseURL      string
	APIKey       string
	Zoom         int
	MinArea      float64
	MaxArea      float64
	PollInterval time.Duration
	PageSize     int
	DefaultLimit int
	RPS          float64
}

type InvalidationCfg struct {
	Enabled   bool
	Topic     string
	Brokers   []string
	GroupID   string
	DedupSize int
}

type FetchEventsCfg struct {
	Brokers []string
	Topic   string
	Queue   int
}

type Config struct {
	Addr            string
	MetricsAddr     string
	LogLevel        string
	LogConsole      bool
	LogSampleN      int
	DefaultProvider string
	FetchWorkers    int
	FetchDedup      bool
	FetchTimeout    time.Duration
	FeatureH3Res    int
	IndexH3Res      int
	RedisAddr       string
	CacheL1Size     int
	CacheL1TTL      time.Duration
	CacheTTL        time.Duration
	CacheOpTimeout  time.Duration
	UpstreamTimeout time.Duration
	Breaker         BreakerCfg
	Overture        OvertureCfg
	OpenBuildings   OpenBuildingsCfg
	Segmentation    SegmentationCfg
	Invalidation    InvalidationCfg
	FetchEvents     FetchEventsCfg
}

func FromEnv() Config {
	brokers := splitCSV(getenv("KAFKA_BROKERS", ""))

	return Config{
		Addr:            getenv("ADDR", ":8090"),
		MetricsAddr:     getenv("METRICS_ADDR", ""),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		DefaultProvider: getenv("DEFAULT_PROVIDER", "overture"),
		FetchWorkers:    getint("FETCH_WORKERS", 4),
		FetchDedup:      getbool("FETCH_DEDUP", true),
		FetchTimeout:    getduration("FETCH_TIMEOUT", 10*time.Minute),
		FeatureH3Res:    clampRes(getint("H3_FEATURE_RES", 12)),
		IndexH3Res:      clampRes(getint("INDEX_H3_RES", 6)),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		CacheL1Size:     getint("CACHE_L1_SIZE", 64),
		CacheL1TTL:      getduration("CACHE_L1_TTL", 10*time.Minute),
		CacheTTL:        getduration("CACHE_TTL", time.Hour),
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 60*time.Second),
		Breaker: BreakerCfg{
			MaxRequests:  uint32(getint("BREAKER_MAX_REQUESTS", 1)),
			Interval:     getduration("BREAKER_INTERVAL", time.Minute),
			Timeout:      getduration("BREAKER_TIMEOUT", 30*time.Second),
			MinRequests:  uint32(getint("BREAKER_MIN_REQUESTS", 5)),
			FailureRatio: getfloat("BREAKER_FAILURE_RATIO", 0.6),
		},
		Overture: OvertureCfg{
			Source:       getenv("OVERTURE_SOURCE", "https://overturemaps-us-west-2.s3.us-west-2.amazonaws.com"),
			Release:      getenv("OVERTURE_RELEASE", "2025-11-19.0"),
			BatchSize:    getint("OVERTURE_BATCH_SIZE", 1024),
			DefaultLimit: getint("OVERTURE_DEFAULT_LIMIT", 50000),
		},
		OpenBuildings: OpenBuildingsCfg{
			BaseURL:         getenv("EE_BASE_URL", "https://earthengine.googleapis.com"),
			Project:         getenv("EE_PROJECT", ""),
			Table:           getenv("EE_TABLE", "GOOGLE/Research/open-buildings/v3/polygons"),
			ServiceAccount:  getenv("EE_SERVICE_ACCOUNT", ""),
			PrivateKey:      getenv("EE_PRIVATE_KEY", ""),
			CredentialsPath: getenv("EE_CREDENTIALS_PATH", ""),
			PageSize:        getint("EE_PAGE_SIZE", 1000),
			DefaultLimit:    getint("OPENBUILDINGS_DEFAULT_LIMIT", 5000),
			RPS:             getfloat("EE_RPS", 5),
		},
		Segmentation: SegmentationCfg{
			BaseURL:      getenv("SEGMENTATION_URL", "http://localhost:8500"),
			APIKey:       getenv("SEGMENTATION_API_KEY", ""),
			Zoom:         getint("SEGMENTATION_ZOOM", 19),
			MinArea:      getfloat("SEGMENTATION_MIN_AREA", 10),
			MaxArea:      getfloat("SEGMENTATION_MAX_AREA", 10000),
			PollInterval: getduration("SEGMENTATION_POLL_INTERVAL", 2*time.Second),
			PageSize:     getint("SEGMENTATION_PAGE_SIZE", 500),
			DefaultLimit: getint("SEGMENTATION_DEFAULT_LIMIT", 10000),
			RPS:          getfloat("SEGMENTATION_RPS", 2),
		},
		Invalidation: InvalidationCfg{
			Enabled:   getbool("INVALIDATION_ENABLED", false),
			Topic:     getenv("KAFKA_TOPIC", "footprint-invalidation"),
			Brokers:   brokers,
			GroupID:   getenv("KAFKA_GROUP_ID", "footprint-cache-invalidator"),
			DedupSize: getint("INVALIDATION_DEDUP_SIZE", 8192),
		},
		FetchEvents: FetchEventsCfg{
			Brokers: brokers,
			Topic:   getenv("FETCH_EVENTS_TOPIC", ""),
			Queue:   getint("FETCH_EVENTS_QUEUE", 1024),
		},
	}
}

func clampRes(r int) int {
	if r < 0 {
		return 0
	}
	if r > 15 {
		return 15
	}
	return r
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

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
