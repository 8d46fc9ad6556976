package config

import "time"

// AggregationLevel controls how fine the rollup buckets are. It sets the
// default tick cadence when AggregationInterval is not given explicitly.
type AggregationLevel string

const (
	AggregateMinute AggregationLevel = "minute"
	AggregateHour   AggregationLevel = "hour"
)

// TickInterval is the aggregation cadence implied by the level.
func (l AggregationLevel) TickInterval() time.Duration {
	if l == AggregateHour {
		return time.Hour
	}
	return time.Minute
}

// MonitorConfig holds runtime configuration for the monitoring core.
type MonitorConfig struct {
	Enabled bool

	CollectRequestBody  bool
	CollectResponseBody bool
	CollectHeaders      bool
	CollectUserAgent    bool
	CollectIPAddress    bool

	// SamplingRate is the probability in [0,1] that a request is retained
	// for detailed recording. Error responses are always retained when
	// SampleErrorRequests is set.
	SamplingRate        float64
	SampleErrorRequests bool

	RetentionPeriodDays int
	AggregationLevel    AggregationLevel
	AggregationInterval time.Duration

	AsyncCollection bool
	BatchSize       int
	FlushInterval   time.Duration

	// StaleRequestAfter bounds how long an unmatched in-flight request is
	// kept before it is evicted as abandoned.
	StaleRequestAfter time.Duration

	// MaxBufferedResponses caps the raw response buffer. Crossing
	// BufferPressureRatio of the cap steps the effective sampling rate
	// down until pressure clears.
	MaxBufferedResponses int
	BufferPressureRatio  float64
}

// LoadMonitorConfig constructs a MonitorConfig from environment variables.
func LoadMonitorConfig() MonitorConfig {
	level := AggregationLevel(GetString("MONITOR_AGGREGATION_LEVEL", string(AggregateMinute)))
	cfg := MonitorConfig{
		Enabled:              GetBool("MONITOR_ENABLED", true),
		CollectRequestBody:   GetBool("MONITOR_COLLECT_REQUEST_BODY", false),
		CollectResponseBody:  GetBool("MONITOR_COLLECT_RESPONSE_BODY", false),
		CollectHeaders:       GetBool("MONITOR_COLLECT_HEADERS", true),
		CollectUserAgent:     GetBool("MONITOR_COLLECT_USER_AGENT", true),
		CollectIPAddress:     GetBool("MONITOR_COLLECT_IP_ADDRESS", true),
		SamplingRate:         GetFloat("MONITOR_SAMPLING_RATE", 1.0),
		SampleErrorRequests:  GetBool("MONITOR_SAMPLE_ERROR_REQUESTS", true),
		RetentionPeriodDays:  GetInt("MONITOR_RETENTION_DAYS", 30),
		AggregationLevel:     level,
		AggregationInterval:  time.Duration(GetInt("MONITOR_AGGREGATION_SECONDS", int(level.TickInterval().Seconds()))) * time.Second,
		AsyncCollection:      GetBool("MONITOR_ASYNC_COLLECTION", true),
		BatchSize:            GetInt("MONITOR_FLUSH_BATCH_SIZE", 100),
		FlushInterval:        time.Duration(GetInt("MONITOR_FLUSH_INTERVAL_MS", 30000)) * time.Millisecond,
		StaleRequestAfter:    time.Duration(GetInt("MONITOR_STALE_REQUEST_SECONDS", 300)) * time.Second,
		MaxBufferedResponses: GetInt("MONITOR_MAX_BUFFERED_RESPONSES", 50000),
		BufferPressureRatio:  GetFloat("MONITOR_BUFFER_PRESSURE_RATIO", 0.8),
	}
	return cfg.Normalize()
}

// Normalize clamps out-of-range values to safe defaults.
func (c MonitorConfig) Normalize() MonitorConfig {
	if c.SamplingRate < 0 {
		c.SamplingRate = 0
	}
	if c.SamplingRate > 1 {
		c.SamplingRate = 1
	}
	if c.AggregationLevel != AggregateMinute && c.AggregationLevel != AggregateHour {
		c.AggregationLevel = AggregateMinute
	}
	if c.AggregationInterval <= 0 {
		c.AggregationInterval = c.AggregationLevel.TickInterval()
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetentionPeriodDays <= 0 {
		c.RetentionPeriodDays = 30
	}
	if c.StaleRequestAfter <= 0 {
		c.StaleRequestAfter = 5 * time.Minute
	}
	if c.MaxBufferedResponses <= 0 {
		c.MaxBufferedResponses = 50000
	}
	if c.BufferPressureRatio <= 0 || c.BufferPressureRatio > 1 {
		c.BufferPressureRatio = 0.8
	}
	return c
}

// ServiceConfig holds configuration for the apiwatch HTTP service around the
// monitoring core.
type ServiceConfig struct {
	Environment   string
	Addr          string
	IngestToken   string
	DatabaseURL   string
	MigrationsDir string
	LogFile       string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServiceConfig constructs a ServiceConfig from environment variables.
func LoadServiceConfig() ServiceConfig {
	return ServiceConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("APIWATCH_ADDR", ":4100"),
		IngestToken:        GetString("APIWATCH_INGEST_TOKEN", ""),
		DatabaseURL:        GetString("APIWATCH_DATABASE_URL", ""),
		MigrationsDir:      GetString("APIWATCH_MIGRATIONS_DIR", "db/migrations"),
		LogFile:            GetString("APIWATCH_LOG_FILE", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
