package analytics

import (
	"log/slog"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

// HistorySource is the slice of the monitor the analytics engine reads.
// Analytics never touches raw responses, only aggregated windows.
type HistorySource interface {
	Endpoints() []domain.Endpoint
	GetMetrics(endpoint string, w domain.Window) domain.MetricsWindow
	HourlyHistory(endpoint string) []domain.MetricsWindow
	DailyHistory(endpoint string) []domain.MetricsWindow
}

// Engine derives trends, anomalies, forecasts, and recommendations from
// aggregated metric history. All outputs degrade to neutral values on
// insufficient data; no method returns an error for a short series.
type Engine struct {
	source HistorySource
	logger *slog.Logger
	now    func() time.Time

	anomalyThreshold float64
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "analytics")
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAnomalyThreshold overrides the z-score cutoff.
func WithAnomalyThreshold(threshold float64) Option {
	return func(e *Engine) {
		if threshold > 0 {
			e.anomalyThreshold = threshold
		}
	}
}

// NewEngine constructs an analytics engine over a history source.
func NewEngine(source HistorySource, opts ...Option) *Engine {
	e := &Engine{
		source:           source,
		now:              time.Now,
		anomalyThreshold: defaultAnomalyThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metric selectors shared by trends, anomalies, and forecasts. The names
// match the custom alert rule metrics.
const (
	MetricAvgResponseTime = "avg_response_time"
	MetricP95ResponseTime = "p95_response_time"
	MetricP99ResponseTime = "p99_response_time"
	MetricErrorRate       = "error_rate"
	MetricThroughput      = "throughput_per_min"
	MetricTotalRequests   = "total_requests"
)

func metricValue(w domain.MetricsWindow, metric string) float64 {
	switch metric {
	case MetricAvgResponseTime:
		return w.AvgResponseTimeMS
	case MetricP95ResponseTime:
		return w.P95ResponseTimeMS
	case MetricP99ResponseTime:
		return w.P99ResponseTimeMS
	case MetricErrorRate:
		return w.ErrorRate
	case MetricThroughput:
		return w.ThroughputPerMin
	case MetricTotalRequests:
		return float64(w.TotalRequests)
	default:
		return 0
	}
}

func metricSeries(history []domain.MetricsWindow, metric string) []float64 {
	series := make([]float64, len(history))
	for i, w := range history {
		series[i] = metricValue(w, metric)
	}
	return series
}
