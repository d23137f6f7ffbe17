// Package models provides domain models for the portfolio engine.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Market identifies the venue family a symbol is quoted on.
type Market string

const (
	MarketDomesticEquity Market = "domestic-equity" // Shanghai / Shenzhen A-shares
	MarketUSEquity       Market = "us-equity"
	MarketHKEquity       Market = "hk-equity"
	MarketFund           Market = "fund"
)

// Markets lists every supported market in display order.
var Markets = []Market{MarketDomesticEquity, MarketUSEquity, MarketHKEquity, MarketFund}

// Currency returns the settlement currency of the market.
func (m Market) Currency() string {
	switch m {
	case MarketUSEquity:
		return "USD"
	case MarketHKEquity:
		return "HKD"
	case MarketDomesticEquity, MarketFund:
		return "CNY"
	default:
		return "USD"
	}
}

// Valid reports whether m is one of the supported markets.
func (m Market) Valid() bool {
	switch m {
	case MarketDomesticEquity, MarketUSEquity, MarketHKEquity, MarketFund:
		return true
	}
	return false
}

// ParseMarket parses a market identifier. Legacy aliases (a_stocks, us_stocks,
// hk_stocks, funds) are accepted.
func ParseMarket(s string) (Market, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "domestic-equity", "domestic", "a_stocks", "cn":
		return MarketDomesticEquity, nil
	case "us-equity", "us", "us_stocks":
		return MarketUSEquity, nil
	case "hk-equity", "hk", "hk_stocks":
		return MarketHKEquity, nil
	case "fund", "funds":
		return MarketFund, nil
	}
	return "", fmt.Errorf("unknown market %q", s)
}

// Side represents the side of a transaction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SymbolMarket is the key of a position and of a quote.
type SymbolMarket struct {
	Symbol string `json:"symbol"`
	Market Market `json:"market"`
}

// NewSymbolMarket normalizes the symbol and builds a key.
func NewSymbolMarket(symbol string, market Market) SymbolMarket {
	return SymbolMarket{Symbol: NormalizeSymbol(symbol), Market: market}
}

func (k SymbolMarket) String() string {
	return string(k.Market) + ":" + k.Symbol
}

// NormalizeSymbol trims and upper-cases a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Quote is a point-in-time price for a symbol returned by a quote source.
type Quote struct {
	Symbol   string    `json:"symbol"`
	Market   Market    `json:"market"`
	Price    float64   `json:"price"`
	Currency string    `json:"currency"`
	AsOf     time.Time `json:"as_of"`
	Source   string    `json:"source"`
}

// Key returns the quote's position key.
func (q Quote) Key() SymbolMarket {
	return SymbolMarket{Symbol: q.Symbol, Market: q.Market}
}
