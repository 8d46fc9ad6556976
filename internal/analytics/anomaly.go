package analytics

import (
	"math"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

const (
	defaultAnomalyThreshold = 2.5
	maxAnomalyWindow        = 10

	// flatBaselineZ stands in for the unbounded z-score of a deviation from
	// a zero-variance baseline. Keeps the payload JSON-encodable.
	flatBaselineZ = 99.0
)

// Anomaly is a data point that deviates from its trailing baseline.
type Anomaly struct {
	Endpoint  string               `json:"endpoint,omitempty"`
	Metric    string               `json:"metric"`
	Index     int                  `json:"index"`
	Timestamp time.Time            `json:"timestamp"`
	Value     float64              `json:"value"`
	Expected  float64              `json:"expected"`
	ZScore    float64              `json:"z_score"`
	Severity  domain.ErrorSeverity `json:"severity"`
}

func anomalySeverity(z float64) domain.ErrorSeverity {
	switch {
	case z > 4:
		return domain.SeverityCritical
	case z > 3:
		return domain.SeverityHigh
	case z > 2:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// detectAnomalies runs a sliding z-score over the series. Each point past the
// warmup window is compared against the mean and deviation of the trailing
// window. Series too short for a window produce no anomalies.
func detectAnomalies(series []float64, threshold float64) []Anomaly {
	if threshold <= 0 {
		threshold = defaultAnomalyThreshold
	}
	win := len(series) / 3
	if win > maxAnomalyWindow {
		win = maxAnomalyWindow
	}
	if win < 2 {
		return nil
	}

	var out []Anomaly
	for i := win; i < len(series); i++ {
		base := series[i-win : i]
		m := mean(base)
		sd := stddev(base, m)
		if sd == 0 {
			// Any deviation from a perfectly flat baseline is anomalous.
			if series[i] == m {
				continue
			}
			out = append(out, Anomaly{
				Index:    i,
				Value:    series[i],
				Expected: m,
				ZScore:   flatBaselineZ,
				Severity: anomalySeverity(flatBaselineZ),
			})
			continue
		}
		z := math.Abs(series[i]-m) / sd
		if z <= threshold {
			continue
		}
		out = append(out, Anomaly{
			Index:    i,
			Value:    series[i],
			Expected: m,
			ZScore:   z,
			Severity: anomalySeverity(z),
		})
	}
	return out
}

// DetectAnomalies finds anomalous points in one metric over an endpoint's
// hourly history.
func (e *Engine) DetectAnomalies(endpoint, metric string) []Anomaly {
	history := e.source.HourlyHistory(endpoint)
	anomalies := detectAnomalies(metricSeries(history, metric), e.anomalyThreshold)
	for i := range anomalies {
		anomalies[i].Endpoint = endpoint
		anomalies[i].Metric = metric
		anomalies[i].Timestamp = history[anomalies[i].Index].WindowStart
	}
	if len(anomalies) > 0 && e.logger != nil {
		e.logger.Info("anomalies detected", "endpoint", endpoint, "metric", metric, "count", len(anomalies))
	}
	return anomalies
}
