package analytics

import "time"

// ForecastPoint is one projected value with its confidence.
type ForecastPoint struct {
	Step          int       `json:"step"`
	Timestamp     time.Time `json:"timestamp"`
	Value         float64   `json:"value"`
	ConfidencePct float64   `json:"confidence_pct"`
}

// Forecast projects a metric forward by linear extrapolation. AccuracyPct
// reflects how noisy the observed series was; a volatile series forecasts
// badly and the score says so.
type Forecast struct {
	Endpoint    string          `json:"endpoint,omitempty"`
	Metric      string          `json:"metric"`
	Points      []ForecastPoint `json:"points"`
	AccuracyPct float64         `json:"accuracy_pct"`
}

const (
	forecastMaxConfidence = 100.0
	forecastMinConfidence = 50.0
)

// forecastSeries extrapolates the fitted line `horizon` steps past the series
// end. Confidence decays linearly from 100 at the first step to 50 at the
// last. Fewer than two observations yield zero-confidence flat points.
func forecastSeries(series []float64, horizon int, start time.Time, step time.Duration) Forecast {
	f := Forecast{}
	if horizon <= 0 {
		return f
	}
	f.Points = make([]ForecastPoint, 0, horizon)

	if len(series) < 2 {
		var base float64
		if len(series) == 1 {
			base = series[0]
		}
		for i := 1; i <= horizon; i++ {
			f.Points = append(f.Points, ForecastPoint{
				Step:      i,
				Timestamp: start.Add(time.Duration(i) * step),
				Value:     base,
			})
		}
		return f
	}

	fit := fitLine(series)
	n := len(series)
	for i := 1; i <= horizon; i++ {
		value := fit.at(float64(n - 1 + i))
		if value < 0 {
			value = 0
		}
		confidence := forecastMaxConfidence
		if horizon > 1 {
			span := forecastMaxConfidence - forecastMinConfidence
			confidence = forecastMaxConfidence - span*float64(i-1)/float64(horizon-1)
		}
		f.Points = append(f.Points, ForecastPoint{
			Step:          i,
			Timestamp:     start.Add(time.Duration(i) * step),
			Value:         value,
			ConfidencePct: confidence,
		})
	}

	m := mean(series)
	if m != 0 {
		cv := stddev(series, m) / m
		f.AccuracyPct = forecastMaxConfidence - cv*100
		if f.AccuracyPct < 0 {
			f.AccuracyPct = 0
		}
	}
	return f
}

// Predict forecasts one metric for an endpoint over the next `horizon` hourly
// buckets.
func (e *Engine) Predict(endpoint, metric string, horizon int) Forecast {
	history := e.source.HourlyHistory(endpoint)
	start := e.now().UTC()
	if len(history) > 0 {
		start = history[len(history)-1].WindowStart
	}
	f := forecastSeries(metricSeries(history, metric), horizon, start, time.Hour)
	f.Endpoint = endpoint
	f.Metric = metric
	return f
}
