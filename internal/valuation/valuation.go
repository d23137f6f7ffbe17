// Package valuation computes point-in-time portfolio valuation snapshots from
// ledger positions and market quotes. Everything here is pure: no I/O, no
// clock, no retained state.
package valuation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-engine/internal/models"
)

// Confidence describes how trustworthy the price behind a valuation is.
type Confidence string

const (
	ConfidenceHigh Confidence = "high" // fresh quote from this cycle
	ConfidenceLow  Confidence = "low"  // last known price from an earlier cycle
	ConfidenceNone Confidence = "none" // never priced, valued at cost
)

// RiskLevel classifies portfolio concentration.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var (
	hundred             = decimal.NewFromInt(100)
	highConcentration   = decimal.NewFromInt(30)
	mediumConcentration = decimal.NewFromInt(20)
)

// PositionValuation is the valuation of a single position.
type PositionValuation struct {
	Symbol       string        `json:"symbol"`
	Market       models.Market `json:"market"`
	Currency     string        `json:"currency"`
	Quantity     int64         `json:"quantity"`
	AverageCost  float64       `json:"average_cost"`
	TotalCost    float64       `json:"total_cost"`
	Price        float64       `json:"price"`
	CurrentValue float64       `json:"current_value"`
	PnL          float64       `json:"pnl"`
	PnLPct       float64       `json:"pnl_pct"`
	Weight       float64       `json:"weight"`
	Stale        bool          `json:"stale"`
	Confidence   Confidence    `json:"confidence"`
	PriceAsOf    time.Time     `json:"price_as_of"`
	StaleFor     time.Duration `json:"stale_for"`
	Source       string        `json:"source,omitempty"`
}

// Key returns the position key.
func (p PositionValuation) Key() models.SymbolMarket {
	return models.SymbolMarket{Symbol: p.Symbol, Market: p.Market}
}

// Summary holds portfolio totals. Values in different currencies are summed
// as-is; Currencies lists what was mixed.
type Summary struct {
	TotalValue float64  `json:"total_value"`
	TotalCost  float64  `json:"total_cost"`
	PnL        float64  `json:"pnl"`
	PnLPct     float64  `json:"pnl_pct"`
	Positions  int      `json:"positions"`
	Currencies []string `json:"currencies"`
}

// Risk holds the concentration metrics.
type Risk struct {
	Concentration float64   `json:"concentration"`
	Level         RiskLevel `json:"level"`
	Largest       string    `json:"largest,omitempty"`
}

// Performance summarizes winners and losers.
type Performance struct {
	WinRate         float64 `json:"win_rate"`
	AvgProfit       float64 `json:"avg_profit"`
	AvgLoss         float64 `json:"avg_loss"`
	ProfitLossRatio float64 `json:"profit_loss_ratio"`
	Winners         int     `json:"winners"`
	Losers          int     `json:"losers"`
	Flat            int     `json:"flat"`
}

// Snapshot is an immutable point-in-time valuation of the portfolio.
type Snapshot struct {
	AsOf        time.Time                 `json:"as_of"`
	Positions   []PositionValuation       `json:"positions"`
	Summary     Summary                   `json:"summary"`
	Allocation  map[models.Market]float64 `json:"allocation"`
	Risk        Risk                      `json:"risk"`
	Performance Performance               `json:"performance"`
	StaleCount  int                       `json:"stale_count"`
}

// Position returns the valuation of one position.
func (s Snapshot) Position(symbol string, market models.Market) (PositionValuation, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Market == market {
			return p, true
		}
	}
	return PositionValuation{}, false
}

// Evaluate values positions against quotes. The snapshot time is the latest
// price timestamp among the inputs, so the result depends on nothing else.
func Evaluate(positions []models.Position, quotes map[models.SymbolMarket]models.Quote) Snapshot {
	var asOf time.Time
	for _, q := range quotes {
		if q.AsOf.After(asOf) {
			asOf = q.AsOf
		}
	}
	for _, p := range positions {
		if p.LastPriceAt.After(asOf) {
			asOf = p.LastPriceAt
		}
	}
	return EvaluateAt(asOf, positions, quotes)
}

type valued struct {
	out   PositionValuation
	value decimal.Decimal
	cost  decimal.Decimal
	pnl   decimal.Decimal
}

// EvaluateAt values positions as of the given instant, which is used to
// measure how old stale prices are.
func EvaluateAt(asOf time.Time, positions []models.Position, quotes map[models.SymbolMarket]models.Quote) Snapshot {
	rows := make([]valued, 0, len(positions))
	totalValue := decimal.Zero
	totalCost := decimal.Zero
	currencies := map[string]bool{}
	byMarket := map[models.Market]decimal.Decimal{}

	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		v := valuePosition(asOf, p, quotes)
		rows = append(rows, v)
		totalValue = totalValue.Add(v.value)
		totalCost = totalCost.Add(v.cost)
		currencies[v.out.Currency] = true
		byMarket[p.Market] = byMarket[p.Market].Add(v.value)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].out, rows[j].out
		if a.Market != b.Market {
			return a.Market < b.Market
		}
		return a.Symbol < b.Symbol
	})

	snap := Snapshot{
		AsOf:       asOf,
		Positions:  make([]PositionValuation, 0, len(rows)),
		Allocation: make(map[models.Market]float64, len(byMarket)),
	}

	var largest decimal.Decimal
	for _, r := range rows {
		r.out.Weight = percent(r.value, totalValue)
		if r.out.Stale {
			snap.StaleCount++
		}
		if r.value.GreaterThan(largest) {
			largest = r.value
			snap.Risk.Largest = r.out.Symbol
		}
		snap.Positions = append(snap.Positions, r.out)
	}

	totalPnL := totalValue.Sub(totalCost)
	snap.Summary = Summary{
		TotalValue: money(totalValue),
		TotalCost:  money(totalCost),
		PnL:        money(totalPnL),
		PnLPct:     percent(totalPnL, totalCost),
		Positions:  len(rows),
		Currencies: sortedKeys(currencies),
	}

	for m, v := range byMarket {
		snap.Allocation[m] = percent(v, totalValue)
	}

	// The level is decided on the unrounded share.
	if !totalValue.IsZero() {
		share := largest.Mul(hundred).Div(totalValue)
		snap.Risk.Concentration = share.Round(2).InexactFloat64()
		snap.Risk.Level = riskLevel(share)
	} else {
		snap.Risk.Level = RiskLow
	}
	snap.Performance = performance(rows)

	return snap
}

func valuePosition(asOf time.Time, p models.Position, quotes map[models.SymbolMarket]models.Quote) valued {
	qty := decimal.NewFromInt(p.Quantity)
	currency := p.Currency
	if currency == "" {
		currency = p.Market.Currency()
	}

	out := PositionValuation{
		Symbol:      p.Symbol,
		Market:      p.Market,
		Currency:    currency,
		Quantity:    p.Quantity,
		AverageCost: money(p.AverageCost),
		TotalCost:   money(p.TotalCost),
	}

	var price decimal.Decimal
	if q, ok := quotes[p.Key()]; ok && q.Price > 0 {
		price = decimal.NewFromFloat(q.Price)
		out.Confidence = ConfidenceHigh
		out.PriceAsOf = q.AsOf
		out.Source = q.Source
	} else if p.HasPrice() {
		price = p.LastPrice
		out.Stale = true
		out.Confidence = ConfidenceLow
		out.PriceAsOf = p.LastPriceAt
		if age := asOf.Sub(p.LastPriceAt); age > 0 {
			out.StaleFor = age
		}
	} else {
		price = p.AverageCost
		out.Stale = true
		out.Confidence = ConfidenceNone
	}

	value := price.Mul(qty)
	pnl := value.Sub(p.TotalCost)
	if out.Confidence == ConfidenceNone {
		// Valued at cost: no gain or loss is implied.
		value = p.TotalCost
		pnl = decimal.Zero
	}

	out.Price = price.Round(4).InexactFloat64()
	out.CurrentValue = money(value)
	out.PnL = money(pnl)
	out.PnLPct = percent(pnl, p.TotalCost)

	return valued{out: out, value: value, cost: p.TotalCost, pnl: pnl}
}

func performance(rows []valued) Performance {
	var perf Performance
	if len(rows) == 0 {
		return perf
	}

	profit := decimal.Zero
	loss := decimal.Zero
	for _, r := range rows {
		switch r.pnl.Sign() {
		case 1:
			perf.Winners++
			profit = profit.Add(r.pnl)
		case -1:
			perf.Losers++
			loss = loss.Add(r.pnl)
		default:
			perf.Flat++
		}
	}

	perf.WinRate = percent(decimal.NewFromInt(int64(perf.Winners)), decimal.NewFromInt(int64(len(rows))))

	avgProfit := decimal.Zero
	if perf.Winners > 0 {
		avgProfit = profit.Div(decimal.NewFromInt(int64(perf.Winners)))
	}
	avgLoss := decimal.Zero
	if perf.Losers > 0 {
		avgLoss = loss.Div(decimal.NewFromInt(int64(perf.Losers)))
	}
	perf.AvgProfit = money(avgProfit)
	perf.AvgLoss = money(avgLoss)
	if !avgLoss.IsZero() {
		perf.ProfitLossRatio = avgProfit.Div(avgLoss).Abs().Round(2).InexactFloat64()
	}
	return perf
}

func riskLevel(concentration decimal.Decimal) RiskLevel {
	switch {
	case concentration.GreaterThan(highConcentration):
		return RiskHigh
	case concentration.GreaterThan(mediumConcentration):
		return RiskMedium
	default:
		return RiskLow
	}
}

// percent returns part/whole*100 rounded to two places, or 0 when whole is 0.
func percent(part, whole decimal.Decimal) float64 {
	if whole.IsZero() {
		return 0
	}
	return part.Mul(hundred).Div(whole).Round(2).InexactFloat64()
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
