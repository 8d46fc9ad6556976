package analytics

import (
	"sort"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

// HealthScore grades a metrics window on a 0-100 scale. Error rate dominates
// the deduction; latency contributes the rest.
func HealthScore(w domain.MetricsWindow) float64 {
	score := 100.0
	switch {
	case w.ErrorRate > 0.10:
		score -= 50
	case w.ErrorRate > 0.05:
		score -= 25
	case w.ErrorRate > 0.01:
		score -= 10
	}
	switch {
	case w.AvgResponseTimeMS > 5000:
		score -= 30
	case w.AvgResponseTimeMS > 2000:
		score -= 15
	case w.AvgResponseTimeMS > 1000:
		score -= 5
	}
	if score < 0 {
		score = 0
	}
	return score
}

// EndpointStats is one row of the report's endpoint breakdown.
type EndpointStats struct {
	Endpoint          string  `json:"endpoint"`
	TotalRequests     int64   `json:"total_requests"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMS float64 `json:"p95_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	HealthScore       float64 `json:"health_score"`
}

// ErrorAnalysis breaks failures down by category and status code.
type ErrorAnalysis struct {
	TotalErrors int64                          `json:"total_errors"`
	ByCategory  map[domain.ErrorCategory]int64 `json:"by_category"`
	ByStatus    map[int]int64                  `json:"by_status"`
	TopSeverity domain.ErrorSeverity           `json:"top_severity,omitempty"`
}

// ReportSummary is the headline block of a performance report.
type ReportSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMS float64 `json:"p95_response_time_ms"`
	P99ResponseTimeMS float64 `json:"p99_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	ThroughputPerMin  float64 `json:"throughput_per_min"`
	HealthScore       float64 `json:"health_score"`
}

// Report bundles everything the analytics engine derives for one window.
type Report struct {
	Window            domain.Window           `json:"window"`
	GeneratedAt       time.Time               `json:"generated_at"`
	Summary           ReportSummary           `json:"summary"`
	EndpointBreakdown []EndpointStats         `json:"endpoint_breakdown"`
	Errors            ErrorAnalysis           `json:"errors"`
	Trends            []Trend                 `json:"trends"`
	Recommendations   []domain.Recommendation `json:"recommendations"`
}

// Report assembles a full performance report over the given window.
func (e *Engine) Report(window domain.Window) Report {
	if !window.Valid() {
		window = domain.Window1h
	}
	overall := e.source.GetMetrics("", window)

	report := Report{
		Window:      window,
		GeneratedAt: e.now().UTC(),
		Summary: ReportSummary{
			TotalRequests:     overall.TotalRequests,
			AvgResponseTimeMS: overall.AvgResponseTimeMS,
			P95ResponseTimeMS: overall.P95ResponseTimeMS,
			P99ResponseTimeMS: overall.P99ResponseTimeMS,
			ErrorRate:         overall.ErrorRate,
			ThroughputPerMin:  overall.ThroughputPerMin,
			HealthScore:       HealthScore(overall),
		},
		Errors: ErrorAnalysis{
			TotalErrors: overall.FailCount,
			ByCategory:  overall.ErrorsByCategory,
			ByStatus:    overall.ErrorsByStatus,
		},
		Trends:          e.Trends(""),
		Recommendations: e.Recommendations(),
	}
	report.Errors.TopSeverity = topSeverity(overall.ErrorsByCategory)

	for _, ep := range e.source.Endpoints() {
		key := ep.Key()
		w := e.source.GetMetrics(key, window)
		if w.TotalRequests == 0 {
			continue
		}
		report.EndpointBreakdown = append(report.EndpointBreakdown, EndpointStats{
			Endpoint:          key,
			TotalRequests:     w.TotalRequests,
			AvgResponseTimeMS: w.AvgResponseTimeMS,
			P95ResponseTimeMS: w.P95ResponseTimeMS,
			ErrorRate:         w.ErrorRate,
			HealthScore:       HealthScore(w),
		})
	}
	sort.Slice(report.EndpointBreakdown, func(i, j int) bool {
		return report.EndpointBreakdown[i].TotalRequests > report.EndpointBreakdown[j].TotalRequests
	})
	return report
}

// topSeverity maps the worst present error category to its severity.
func topSeverity(byCategory map[domain.ErrorCategory]int64) domain.ErrorSeverity {
	best := domain.ErrorSeverity("")
	bestRank := 0
	for category, count := range byCategory {
		if count == 0 {
			continue
		}
		_, sev := severityOf(category)
		if rank := domain.SeverityRank(sev); rank > bestRank {
			bestRank = rank
			best = sev
		}
	}
	return best
}

func severityOf(category domain.ErrorCategory) (domain.ErrorCategory, domain.ErrorSeverity) {
	switch category {
	case domain.CategoryServerError, domain.CategoryDatabase:
		return category, domain.SeverityCritical
	case domain.CategoryNetwork, domain.CategoryRateLimit:
		return category, domain.SeverityHigh
	case domain.CategoryNotFound:
		return category, domain.SeverityLow
	default:
		return category, domain.SeverityMedium
	}
}
