// Package alerts turns valuation snapshots into alerts. Evaluation is pure;
// duplicate suppression belongs to the scheduler's alert gate.
package alerts

import (
	"fmt"
	"math"
	"time"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/valuation"
)

// Weights blend the three score components into an aggregate.
type Weights struct {
	Fundamental float64
	Technical   float64
	Sentiment   float64
}

// Config holds rule thresholds. Swing thresholds are absolute percentages
// away from average cost.
type Config struct {
	SwingLow        float64
	SwingMedium     float64
	SwingHigh       float64
	SellScore       float64
	StrongSellScore float64
	Weights         Weights
	// StaleAfter is how long a position may go without a fresh quote before
	// it is alerted on again.
	StaleAfter time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SwingLow:        5,
		SwingMedium:     10,
		SwingHigh:       20,
		SellScore:       35,
		StrongSellScore: 20,
		Weights:         Weights{Fundamental: 0.4, Technical: 0.4, Sentiment: 0.2},
		StaleAfter:      30 * time.Minute,
	}
}

// Validate checks threshold ordering and weights.
func (c Config) Validate() error {
	if c.SwingLow <= 0 || c.SwingLow >= c.SwingMedium || c.SwingMedium >= c.SwingHigh {
		return errors.NewValidationError("swing", []float64{c.SwingLow, c.SwingMedium, c.SwingHigh}, "thresholds must be positive and increasing")
	}
	if c.StrongSellScore > c.SellScore {
		return errors.NewValidationError("strong_sell_score", c.StrongSellScore, "must not exceed sell_score")
	}
	w := c.Weights
	if w.Fundamental < 0 || w.Technical < 0 || w.Sentiment < 0 || w.Fundamental+w.Technical+w.Sentiment == 0 {
		return errors.NewValidationError("score_weights", w, "must be non-negative and not all zero")
	}
	if c.StaleAfter <= 0 {
		return errors.NewValidationError("stale_after", c.StaleAfter, "must be positive")
	}
	return nil
}

// Blend returns the weighted aggregate of a score, normalized by the weight
// sum so the result stays on the 0-100 scale.
func (c Config) Blend(s models.Score) float64 {
	w := c.Weights
	sum := w.Fundamental + w.Technical + w.Sentiment
	if sum == 0 {
		return 0
	}
	total := (w.Fundamental*s.Fundamental + w.Technical*s.Technical + w.Sentiment*s.Sentiment) / sum
	return math.Round(total*100) / 100
}

// Evaluator applies the alert rules.
type Evaluator struct {
	cfg Config
}

// NewEvaluator validates cfg and creates an Evaluator.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg}, nil
}

// Config returns the evaluator's thresholds.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate returns one alert per rule that fires. Rules are independent:
//   - concentration: portfolio risk level is high
//   - price_swing: a fresh-priced position moved beyond a swing threshold
//     from average cost
//   - stale_price: a position has gone without a fresh quote for longer
//     than StaleAfter, or has never been priced
//   - low_score: the blended score supplied for a held position is below the
//     sell threshold
//
// Positions priced from an old last price are skipped for swings until they
// exceed StaleAfter. The result is ordered and carries no ids, so identical
// inputs give identical output.
func (e *Evaluator) Evaluate(snap valuation.Snapshot, scores map[models.SymbolMarket]models.Score) []models.Alert {
	var out []models.Alert
	at := snap.AsOf

	if snap.Risk.Level == valuation.RiskHigh {
		out = append(out, models.Alert{
			Rule:      models.RuleConcentration,
			Severity:  models.SeverityHigh,
			Value:     snap.Risk.Concentration,
			Threshold: 30,
			Message:   fmt.Sprintf("Largest position %s is %.2f%% of the portfolio", snap.Risk.Largest, snap.Risk.Concentration),
			CreatedAt: at,
		})
	}

	for _, p := range snap.Positions {
		overdue := p.Stale && p.StaleFor > e.cfg.StaleAfter

		if p.Confidence == valuation.ConfidenceHigh || (p.Confidence == valuation.ConfidenceLow && overdue) {
			if a, ok := e.swing(p, at); ok {
				out = append(out, a)
			}
		}

		switch {
		case p.Confidence == valuation.ConfidenceNone:
			out = append(out, positionAlert(p, models.RuleStalePrice, models.SeverityHigh, 0, e.cfg.StaleAfter.Minutes(), at,
				fmt.Sprintf("%s has never been priced; valued at cost", p.Symbol)))
		case overdue:
			out = append(out, positionAlert(p, models.RuleStalePrice, models.SeverityMedium, p.StaleFor.Minutes(), e.cfg.StaleAfter.Minutes(), at,
				fmt.Sprintf("%s price is %s old (last %.4f)", p.Symbol, p.StaleFor.Round(time.Minute), p.Price)))
		}

		if s, ok := scores[p.Key()]; ok {
			total := e.cfg.Blend(s)
			if total < e.cfg.SellScore {
				sev := models.SeverityMedium
				if total < e.cfg.StrongSellScore {
					sev = models.SeverityHigh
				}
				msg := fmt.Sprintf("%s aggregate score %.2f is below %.0f (%s)", p.Symbol, total, e.cfg.SellScore, models.RecommendationFor(total))
				if s.Reasoning != "" {
					msg += ": " + s.Reasoning
				}
				out = append(out, positionAlert(p, models.RuleLowScore, sev, total, e.cfg.SellScore, at, msg))
			}
		}
	}
	return out
}

func (e *Evaluator) swing(p valuation.PositionValuation, at time.Time) (models.Alert, bool) {
	move := p.PnLPct
	abs := math.Abs(move)

	var sev models.Severity
	var threshold float64
	switch {
	case abs > e.cfg.SwingHigh:
		sev, threshold = models.SeverityHigh, e.cfg.SwingHigh
	case abs > e.cfg.SwingMedium:
		sev, threshold = models.SeverityMedium, e.cfg.SwingMedium
	case abs > e.cfg.SwingLow:
		sev, threshold = models.SeverityLow, e.cfg.SwingLow
	default:
		return models.Alert{}, false
	}

	direction := "up"
	if move < 0 {
		direction = "down"
	}
	msg := fmt.Sprintf("%s is %s %.2f%% from average cost %.4f (price %.4f)", p.Symbol, direction, abs, p.AverageCost, p.Price)
	return positionAlert(p, models.RulePriceSwing, sev, move, threshold, at, msg), true
}

func positionAlert(p valuation.PositionValuation, rule models.AlertRule, sev models.Severity, value, threshold float64, at time.Time, msg string) models.Alert {
	return models.Alert{
		Rule:      rule,
		Severity:  sev,
		Symbol:    p.Symbol,
		Market:    p.Market,
		Value:     value,
		Threshold: threshold,
		Message:   msg,
		CreatedAt: at,
	}
}
