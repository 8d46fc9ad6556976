package domain

import "time"

// RecommendationPriority orders generated recommendations.
type RecommendationPriority string

const (
	PriorityHigh   RecommendationPriority = "high"
	PriorityMedium RecommendationPriority = "medium"
	PriorityLow    RecommendationPriority = "low"
)

// PriorityRank maps a priority to its sort weight.
func PriorityRank(p RecommendationPriority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// RecommendationCategory names the concern a recommendation addresses.
type RecommendationCategory string

const (
	RecommendPerformance RecommendationCategory = "performance"
	RecommendReliability RecommendationCategory = "reliability"
	RecommendSecurity    RecommendationCategory = "security"
	RecommendCost        RecommendationCategory = "cost"
)

// Impact estimates the expected gain of acting on a recommendation, on a
// 0-100 scale per axis.
type Impact struct {
	Performance float64 `json:"performance"`
	Reliability float64 `json:"reliability"`
	Cost        float64 `json:"cost"`
}

// Sum is the combined impact used as a ranking tiebreaker.
func (i Impact) Sum() float64 {
	return i.Performance + i.Reliability + i.Cost
}

// Evidence backs a recommendation with a concrete measurement.
type Evidence struct {
	Metric       string  `json:"metric"`
	CurrentValue float64 `json:"current_value"`
	TargetValue  float64 `json:"target_value"`
	Confidence   float64 `json:"confidence"`
}

// Recommendation is an advisory produced by the analytics engine. Immutable
// once generated; consumers should discard it after ValidUntil.
type Recommendation struct {
	ID          string                 `json:"id"`
	Priority    RecommendationPriority `json:"priority"`
	Category    RecommendationCategory `json:"category"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Impact      Impact                 `json:"impact"`
	Endpoints   []string               `json:"endpoints"`
	Evidence    []Evidence             `json:"evidence"`
	GeneratedAt time.Time              `json:"generated_at"`
	ValidUntil  time.Time              `json:"valid_until"`
}
