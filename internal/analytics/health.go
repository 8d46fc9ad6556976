package analytics

import (
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

// Health status grades.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Grading thresholds, applied to the trailing one-hour window.
const (
	unhealthyErrorRate = 0.10
	degradedErrorRate  = 0.05
	unhealthyLatencyMS = 5000
	degradedLatencyMS  = 2000
)

// EndpointHealth grades a single endpoint.
type EndpointHealth struct {
	Status            string    `json:"status"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	ErrorRate         float64   `json:"error_rate"`
	LastCheck         time.Time `json:"last_check"`
}

// HealthReport is the system-wide health composite: an overall grade and
// score plus a per-endpoint status map.
type HealthReport struct {
	Overall           string                    `json:"overall"`
	Score             float64                   `json:"score"`
	Endpoints         map[string]EndpointHealth `json:"endpoints"`
	UptimeSeconds     float64                   `json:"uptime_seconds"`
	AvgResponseTimeMS float64                   `json:"avg_response_time_ms"`
	ErrorRate         float64                   `json:"error_rate"`
	Timestamp         time.Time                 `json:"timestamp"`
}

// Health grades the whole system and every registered endpoint over the
// trailing hour. UptimeSeconds is filled in by the caller, which owns the
// process start time.
func (e *Engine) Health() HealthReport {
	at := e.now().UTC()
	overall := e.source.GetMetrics("", domain.Window1h)

	report := HealthReport{
		Overall:           overallHealth(overall),
		Score:             HealthScore(overall),
		Endpoints:         make(map[string]EndpointHealth),
		AvgResponseTimeMS: overall.AvgResponseTimeMS,
		ErrorRate:         overall.ErrorRate,
		Timestamp:         at,
	}
	for _, ep := range e.source.Endpoints() {
		key := ep.Key()
		w := e.source.GetMetrics(key, domain.Window1h)
		report.Endpoints[key] = EndpointHealth{
			Status:            endpointHealth(w),
			AvgResponseTimeMS: w.AvgResponseTimeMS,
			ErrorRate:         w.ErrorRate,
			LastCheck:         at,
		}
	}
	return report
}

func overallHealth(w domain.MetricsWindow) string {
	switch {
	case w.ErrorRate > unhealthyErrorRate || w.AvgResponseTimeMS > unhealthyLatencyMS:
		return HealthUnhealthy
	case w.ErrorRate > degradedErrorRate || w.AvgResponseTimeMS > degradedLatencyMS:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// A single slow endpoint reads as degraded, not unhealthy; only its error
// rate can push it to unhealthy.
func endpointHealth(w domain.MetricsWindow) string {
	switch {
	case w.ErrorRate > unhealthyErrorRate:
		return HealthUnhealthy
	case w.ErrorRate > degradedErrorRate || w.AvgResponseTimeMS > degradedLatencyMS:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
