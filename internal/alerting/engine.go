package alerting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

// Sink receives emitted alerts. Delivery is at-least-once; grouping and
// deduplication are the sink's concern.
type Sink interface {
	Deliver(alert domain.AlertEvent)
}

// Engine evaluates completed responses and aggregated windows against the
// endpoint's alert configuration.
type Engine struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs an Engine with no sinks attached.
func NewEngine(logger *slog.Logger) *Engine {
	if logger != nil {
		logger = logger.With("component", "alerting")
	}
	return &Engine{logger: logger, now: time.Now}
}

// AddSink registers a delivery target.
func (e *Engine) AddSink(s Sink) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

func (e *Engine) emit(alert domain.AlertEvent) {
	e.mu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	for _, s := range sinks {
		s.Deliver(alert)
	}
	if e.logger != nil {
		e.logger.Warn("alert emitted",
			"type", string(alert.Type),
			"severity", string(alert.Severity),
			"endpoint", alert.Endpoint,
			"value", alert.Value,
			"threshold", alert.Threshold)
	}
}

// EvaluateResponse runs the per-event rules. Critical response time takes
// precedence over warning; at most one alert per rule family is emitted.
func (e *Engine) EvaluateResponse(cfg domain.AlertConfig, endpoint string, resp domain.Response) []domain.AlertEvent {
	if !cfg.Enabled {
		return nil
	}
	now := e.now()
	var emitted []domain.AlertEvent

	rt := cfg.ResponseTimeThresholds
	switch {
	case rt.Critical > 0 && resp.ResponseTimeMS > rt.Critical:
		emitted = append(emitted, domain.AlertEvent{
			Type:      domain.AlertResponseTimeCritical,
			Severity:  domain.AlertCritical,
			Endpoint:  endpoint,
			Message:   fmt.Sprintf("critical response time %.0fms for %s", resp.ResponseTimeMS, endpoint),
			Value:     resp.ResponseTimeMS,
			Threshold: rt.Critical,
			Timestamp: now,
		})
	case rt.Warning > 0 && resp.ResponseTimeMS > rt.Warning:
		emitted = append(emitted, domain.AlertEvent{
			Type:      domain.AlertResponseTimeWarning,
			Severity:  domain.AlertWarning,
			Endpoint:  endpoint,
			Message:   fmt.Sprintf("high response time %.0fms for %s", resp.ResponseTimeMS, endpoint),
			Value:     resp.ResponseTimeMS,
			Threshold: rt.Warning,
			Timestamp: now,
		})
	}

	switch {
	case resp.StatusCode >= 500:
		emitted = append(emitted, domain.AlertEvent{
			Type:       domain.AlertServerError,
			Severity:   domain.AlertCritical,
			Endpoint:   endpoint,
			Message:    fmt.Sprintf("server error %d for %s", resp.StatusCode, endpoint),
			Value:      float64(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Timestamp:  now,
		})
	case resp.StatusCode >= 400:
		emitted = append(emitted, domain.AlertEvent{
			Type:       domain.AlertClientError,
			Severity:   domain.AlertWarning,
			Endpoint:   endpoint,
			Message:    fmt.Sprintf("client error %d for %s", resp.StatusCode, endpoint),
			Value:      float64(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Timestamp:  now,
		})
	}

	for _, alert := range emitted {
		e.emit(alert)
	}
	return emitted
}

// EvaluateWindow runs the per-tick rules: rolling error rate thresholds and
// configured custom rules against the latest window.
func (e *Engine) EvaluateWindow(cfg domain.AlertConfig, endpoint string, w domain.MetricsWindow) []domain.AlertEvent {
	if !cfg.Enabled || w.TotalRequests == 0 {
		return nil
	}
	now := e.now()
	var emitted []domain.AlertEvent

	er := cfg.ErrorRateThresholds
	switch {
	case er.Critical > 0 && w.ErrorRate > er.Critical:
		emitted = append(emitted, domain.AlertEvent{
			Type:      domain.AlertErrorRateCritical,
			Severity:  domain.AlertCritical,
			Endpoint:  endpoint,
			Message:   fmt.Sprintf("error rate %.1f%% for %s", w.ErrorRate*100, endpoint),
			Value:     w.ErrorRate,
			Threshold: er.Critical,
			Timestamp: now,
		})
	case er.Warning > 0 && w.ErrorRate > er.Warning:
		emitted = append(emitted, domain.AlertEvent{
			Type:      domain.AlertErrorRateWarning,
			Severity:  domain.AlertWarning,
			Endpoint:  endpoint,
			Message:   fmt.Sprintf("elevated error rate %.1f%% for %s", w.ErrorRate*100, endpoint),
			Value:     w.ErrorRate,
			Threshold: er.Warning,
			Timestamp: now,
		})
	}

	for _, rule := range cfg.CustomRules {
		value, ok := metricValue(w, rule.Metric)
		if !ok {
			if e.logger != nil {
				e.logger.Warn("unknown metric in custom rule", "metric", rule.Metric, "endpoint", endpoint)
			}
			continue
		}
		if !compare(value, rule.Comparator, rule.Threshold) {
			continue
		}
		severity := rule.Severity
		if severity == "" {
			severity = domain.AlertWarning
		}
		emitted = append(emitted, domain.AlertEvent{
			Type:      domain.AlertCustomRule,
			Severity:  severity,
			Endpoint:  endpoint,
			Message:   fmt.Sprintf("%s %s %.2f (observed %.2f) for %s", rule.Metric, rule.Comparator, rule.Threshold, value, endpoint),
			Value:     value,
			Threshold: rule.Threshold,
			Timestamp: now,
		})
	}

	for _, alert := range emitted {
		e.emit(alert)
	}
	return emitted
}

func metricValue(w domain.MetricsWindow, metric string) (float64, bool) {
	switch metric {
	case "error_rate":
		return w.ErrorRate, true
	case "avg_response_time":
		return w.AvgResponseTimeMS, true
	case "p95_response_time":
		return w.P95ResponseTimeMS, true
	case "p99_response_time":
		return w.P99ResponseTimeMS, true
	case "throughput_per_min":
		return w.ThroughputPerMin, true
	case "total_requests":
		return float64(w.TotalRequests), true
	case "bytes_transferred":
		return float64(w.BytesTransferred), true
	default:
		return 0, false
	}
}

func compare(value float64, comparator string, threshold float64) bool {
	switch comparator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	default:
		return false
	}
}
