package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable record of one trade. Transactions are only
// created by the ledger and are never mutated or deleted.
type Transaction struct {
	ID        int64           `json:"id"`
	Symbol    string          `json:"symbol"`
	Market    Market          `json:"market"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Fees      decimal.Decimal `json:"fees"`
	Timestamp time.Time       `json:"timestamp"`
	Notes     string          `json:"notes,omitempty"`
}

// Key returns the position key the transaction applies to.
func (t Transaction) Key() SymbolMarket {
	return SymbolMarket{Symbol: t.Symbol, Market: t.Market}
}

// Gross returns price * quantity.
func (t Transaction) Gross() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Position is the aggregate holding of a symbol in a market, maintained by the
// ledger with a weighted-average cost basis.
type Position struct {
	Symbol      string          `json:"symbol"`
	Market      Market          `json:"market"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	Currency    string          `json:"currency"`
	OpenedAt    time.Time       `json:"opened_at"`
	LastPrice   decimal.Decimal `json:"last_price"`
	LastPriceAt time.Time       `json:"last_price_at"`
}

// Key returns the position key.
func (p Position) Key() SymbolMarket {
	return SymbolMarket{Symbol: p.Symbol, Market: p.Market}
}

// HasPrice reports whether a market price was ever recorded for the position.
func (p Position) HasPrice() bool {
	return !p.LastPriceAt.IsZero() && p.LastPrice.IsPositive()
}

// LedgerState is what a ledger journal restores on startup: the latest
// persisted position table, the id of the last transaction folded into it, and
// the full transaction log.
type LedgerState struct {
	Positions         []Position
	LastTransactionID int64
	Transactions      []Transaction
}
