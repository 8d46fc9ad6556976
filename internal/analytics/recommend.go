package analytics

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/obslabs/apiwatch/internal/domain"
)

const (
	slowAvgResponseMS     = 1000.0
	highErrorRate         = 0.05
	largeAvgResponseBytes = 100 * 1024
	recommendationTTLDays = 7
)

// Recommendations scans every registered endpoint's recent metrics and
// produces ranked advisories. Rules are deliberately simple; evidence carries
// the measured value so consumers can re-check.
func (e *Engine) Recommendations() []domain.Recommendation {
	now := e.now().UTC()
	var out []domain.Recommendation

	var slowEndpoints, failingEndpoints, unlimitedPosts, heavyEndpoints []string
	var slowEvidence, failingEvidence, heavyEvidence []domain.Evidence

	for _, ep := range e.source.Endpoints() {
		key := ep.Key()
		w := e.source.GetMetrics(key, domain.Window1h)
		if w.TotalRequests > 0 {
			if w.AvgResponseTimeMS > slowAvgResponseMS {
				slowEndpoints = append(slowEndpoints, key)
				slowEvidence = append(slowEvidence, domain.Evidence{
					Metric:       MetricAvgResponseTime,
					CurrentValue: w.AvgResponseTimeMS,
					TargetValue:  slowAvgResponseMS,
					Confidence:   confidenceFor(w.TotalRequests),
				})
			}
			if w.ErrorRate > highErrorRate {
				failingEndpoints = append(failingEndpoints, key)
				failingEvidence = append(failingEvidence, domain.Evidence{
					Metric:       MetricErrorRate,
					CurrentValue: w.ErrorRate,
					TargetValue:  highErrorRate,
					Confidence:   confidenceFor(w.TotalRequests),
				})
			}
			if avg := float64(w.BytesTransferred) / float64(w.TotalRequests); avg > largeAvgResponseBytes {
				heavyEndpoints = append(heavyEndpoints, key)
				heavyEvidence = append(heavyEvidence, domain.Evidence{
					Metric:       "avg_response_bytes",
					CurrentValue: avg,
					TargetValue:  largeAvgResponseBytes,
					Confidence:   confidenceFor(w.TotalRequests),
				})
			}
		}
		if ep.Method == "POST" && (ep.RateLimit == nil || ep.RateLimit.MaxRequests <= 0) {
			unlimitedPosts = append(unlimitedPosts, key)
		}
	}

	if len(slowEndpoints) > 0 {
		out = append(out, domain.Recommendation{
			ID:          uuid.NewString(),
			Priority:    domain.PriorityHigh,
			Category:    domain.RecommendPerformance,
			Title:       "Reduce response times on slow endpoints",
			Description: fmt.Sprintf("%d endpoint(s) average above %.0fms. Consider caching, query tuning, or payload trimming.", len(slowEndpoints), slowAvgResponseMS),
			Impact:      domain.Impact{Performance: 70, Reliability: 20, Cost: 10},
			Endpoints:   slowEndpoints,
			Evidence:    slowEvidence,
			GeneratedAt: now,
			ValidUntil:  now.AddDate(0, 0, recommendationTTLDays),
		})
	}
	if len(failingEndpoints) > 0 {
		out = append(out, domain.Recommendation{
			ID:          uuid.NewString(),
			Priority:    domain.PriorityHigh,
			Category:    domain.RecommendReliability,
			Title:       "Investigate elevated error rates",
			Description: fmt.Sprintf("%d endpoint(s) fail more than %.0f%% of requests. Review error categories and add retries or circuit breaking upstream.", len(failingEndpoints), highErrorRate*100),
			Impact:      domain.Impact{Performance: 10, Reliability: 80, Cost: 10},
			Endpoints:   failingEndpoints,
			Evidence:    failingEvidence,
			GeneratedAt: now,
			ValidUntil:  now.AddDate(0, 0, recommendationTTLDays),
		})
	}
	if len(unlimitedPosts) > 0 {
		out = append(out, domain.Recommendation{
			ID:          uuid.NewString(),
			Priority:    domain.PriorityMedium,
			Category:    domain.RecommendSecurity,
			Title:       "Rate limit write endpoints",
			Description: fmt.Sprintf("%d POST endpoint(s) accept unlimited traffic. Configure a per-caller rate limit to blunt abuse.", len(unlimitedPosts)),
			Impact:      domain.Impact{Performance: 10, Reliability: 30, Cost: 20},
			Endpoints:   unlimitedPosts,
			GeneratedAt: now,
			ValidUntil:  now.AddDate(0, 0, recommendationTTLDays),
		})
	}
	if len(heavyEndpoints) > 0 {
		out = append(out, domain.Recommendation{
			ID:          uuid.NewString(),
			Priority:    domain.PriorityMedium,
			Category:    domain.RecommendCost,
			Title:       "Shrink oversized responses",
			Description: fmt.Sprintf("%d endpoint(s) average over %dKB per response. Pagination or field selection would cut transfer costs.", len(heavyEndpoints), largeAvgResponseBytes/1024),
			Impact:      domain.Impact{Performance: 20, Reliability: 0, Cost: 60},
			Endpoints:   heavyEndpoints,
			Evidence:    heavyEvidence,
			GeneratedAt: now,
			ValidUntil:  now.AddDate(0, 0, recommendationTTLDays),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := domain.PriorityRank(out[i].Priority), domain.PriorityRank(out[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return out[i].Impact.Sum() > out[j].Impact.Sum()
	})
	return out
}

// confidenceFor scales evidence confidence with sample size, capped at 100.
func confidenceFor(samples int64) float64 {
	c := float64(samples) * 2
	if c > 100 {
		c = 100
	}
	return c
}
