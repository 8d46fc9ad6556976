package domain

import "time"

// RateLimitConfig is a fixed-window limit for one endpoint.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

// Thresholds pairs a warning and a critical boundary for one metric.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// AlertConfig holds per-endpoint alerting rules.
type AlertConfig struct {
	Enabled                bool
	ResponseTimeThresholds Thresholds
	ErrorRateThresholds    Thresholds
	CustomRules            []CustomRule
}

// CustomRule is evaluated against the latest MetricsWindow on each
// aggregation tick.
type CustomRule struct {
	Metric     string
	Comparator string // ">", ">=", "<", "<="
	Threshold  float64
	Severity   AlertSeverity
}

// DefaultAlertConfig returns the thresholds applied to endpoints that were
// never explicitly registered.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Enabled:                true,
		ResponseTimeThresholds: Thresholds{Warning: 1000, Critical: 5000},
		ErrorRateThresholds:    Thresholds{Warning: 0.05, Critical: 0.10},
	}
}

// Endpoint is a monitored (path, method) pair with its configuration.
// Accumulated history is owned by the aggregator, keyed by Key().
type Endpoint struct {
	Path   string
	Method string

	RateLimit *RateLimitConfig
	Alerting  *AlertConfig

	// SamplingRate overrides the global rate when in [0,1]; a negative
	// value means inherit.
	SamplingRate float64

	RegisteredAt time.Time
}

// Key returns the canonical "METHOD path" registry key.
func (e Endpoint) Key() string {
	return e.Method + " " + e.Path
}
