package recommend

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Action is the suggested side of a recommendation
type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
	Hold Action = "hold"
)

// RecommendationRequest describes which recommendations to fetch.
// Strategy is required, everything else is optional.
type RecommendationRequest struct {
	Strategy           string            `json:"strategy"`
	Variants           map[string]string `json:"variants,omitempty"`
	ForceRefresh       bool              `json:"force_refresh,omitempty"`
	MaxRecommendations int               `json:"max_recommendations,omitempty"`
	MinScore           float64           `json:"min_score,omitempty"`
	RiskProfile        string            `json:"risk_profile,omitempty"`
}

// Recommendation is a single scored trade idea
type Recommendation struct {
	Symbol        string          `json:"symbol"`
	Score         float64         `json:"score"`
	Action        Action          `json:"action"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	// LastPrice is the server-side price at generation time. Consumers
	// fall back to it when no live tick has arrived for the symbol yet.
	LastPrice     decimal.Decimal `json:"last_price"`
	Rationale     string          `json:"rationale,omitempty"`
	GeneratedDate civil.Date      `json:"generated_date"`
}

// RecommendationResponse is the payload returned by the recommendations endpoint
type RecommendationResponse struct {
	Status          string           `json:"status"`
	Recommendations []Recommendation `json:"recommendations"`
	TotalCount      int              `json:"total_count"`
	// ExecutionTime is the server-side generation time in seconds
	ExecutionTime float64 `json:"execution_time"`
}
