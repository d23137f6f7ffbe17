package models

import "time"

// AlertRule identifies the rule that produced an alert.
type AlertRule string

const (
	RulePriceSwing    AlertRule = "price_swing"
	RuleConcentration AlertRule = "concentration"
	RuleLowScore      AlertRule = "low_score"
	RuleStalePrice    AlertRule = "stale_price"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is produced when a rule fires on a valuation snapshot. Portfolio-wide
// alerts leave Symbol and Market empty.
type Alert struct {
	ID        string    `json:"id,omitempty"`
	Rule      AlertRule `json:"rule"`
	Severity  Severity  `json:"severity"`
	Symbol    string    `json:"symbol,omitempty"`
	Market    Market    `json:"market,omitempty"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// DedupKey identifies alerts that are duplicates of each other for cooldown purposes.
func (a Alert) DedupKey() string {
	if a.Symbol == "" {
		return string(a.Rule)
	}
	return string(a.Rule) + "|" + string(a.Market) + ":" + a.Symbol
}

// Score is the externally supplied analysis of a symbol, each component on a 0-100 scale.
type Score struct {
	Fundamental float64 `json:"fundamental"`
	Technical   float64 `json:"technical"`
	Sentiment   float64 `json:"sentiment"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// Recommendation derived from an aggregate score.
type Recommendation string

const (
	RecommendStrongBuy  Recommendation = "strong_buy"
	RecommendBuy        Recommendation = "buy"
	RecommendHold       Recommendation = "hold"
	RecommendSell       Recommendation = "sell"
	RecommendStrongSell Recommendation = "strong_sell"
)

// RecommendationFor maps an aggregate score to a recommendation.
func RecommendationFor(total float64) Recommendation {
	switch {
	case total >= 80:
		return RecommendStrongBuy
	case total >= 65:
		return RecommendBuy
	case total >= 35:
		return RecommendHold
	case total >= 20:
		return RecommendSell
	default:
		return RecommendStrongSell
	}
}
