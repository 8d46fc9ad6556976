package analytics

import "math"

// TrendDirection classifies the slope of a metric series.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// TrendSignificance buckets how pronounced a trend is.
type TrendSignificance string

const (
	SignificanceHigh   TrendSignificance = "high"
	SignificanceMedium TrendSignificance = "medium"
	SignificanceLow    TrendSignificance = "low"
)

const (
	stableChangePct = 5.0
	mediumChangePct = 10.0
	highChangePct   = 20.0
)

// Trend describes how one metric moved across the observed history.
type Trend struct {
	Metric        string            `json:"metric"`
	Direction     TrendDirection    `json:"direction"`
	ChangeRatePct float64           `json:"change_rate_pct"`
	Significance  TrendSignificance `json:"significance"`
	Points        int               `json:"points"`
}

// regression holds an ordinary least squares fit over point indices.
type regression struct {
	slope     float64
	intercept float64
	n         int
}

func fitLine(series []float64) regression {
	n := len(series)
	if n == 0 {
		return regression{}
	}
	if n == 1 {
		return regression{intercept: series[0], n: 1}
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return regression{intercept: sumY / fn, n: n}
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn
	return regression{slope: slope, intercept: intercept, n: n}
}

func (r regression) at(x float64) float64 {
	return r.intercept + r.slope*x
}

// trendOf classifies a series. Fewer than two points is always stable.
func trendOf(metric string, series []float64) Trend {
	t := Trend{Metric: metric, Direction: TrendStable, Significance: SignificanceLow, Points: len(series)}
	if len(series) < 2 {
		return t
	}
	fit := fitLine(series)
	first := fit.at(0)
	last := fit.at(float64(len(series) - 1))
	if first != 0 {
		t.ChangeRatePct = (last - first) / math.Abs(first) * 100
	} else if last != 0 {
		t.ChangeRatePct = 100
	}

	abs := math.Abs(t.ChangeRatePct)
	switch {
	case abs <= stableChangePct:
		t.Direction = TrendStable
	case t.ChangeRatePct > 0:
		t.Direction = TrendIncreasing
	default:
		t.Direction = TrendDecreasing
	}
	switch {
	case abs > highChangePct:
		t.Significance = SignificanceHigh
	case abs > mediumChangePct:
		t.Significance = SignificanceMedium
	default:
		t.Significance = SignificanceLow
	}
	return t
}

// Trend computes the trend of one metric over an endpoint's hourly history.
// An empty endpoint means the all-endpoints rollup.
func (e *Engine) Trend(endpoint, metric string) Trend {
	return trendOf(metric, metricSeries(e.source.HourlyHistory(endpoint), metric))
}

// Trends computes the standard trend set for a report.
func (e *Engine) Trends(endpoint string) []Trend {
	history := e.source.HourlyHistory(endpoint)
	metrics := []string{MetricAvgResponseTime, MetricErrorRate, MetricThroughput}
	out := make([]Trend, 0, len(metrics))
	for _, metric := range metrics {
		out = append(out, trendOf(metric, metricSeries(history, metric)))
	}
	return out
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

func stddev(series []float64, m float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(series)))
}
