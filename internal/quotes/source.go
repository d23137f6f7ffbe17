// Package quotes resolves current prices for (symbol, market) pairs through an
// ordered chain of vendor adapters, with a TTL cache in front of them.
package quotes

import (
	"context"
	"math"
	"time"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
)

// QuoteSource is a single vendor adapter. Implementations own their wire
// format, return *errors.SourceError for vendor failures and never panic on
// malformed payloads.
type QuoteSource interface {
	Name() string
	Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error)
}

// SourceFunc adapts a function to QuoteSource.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context, symbol string, market models.Market) (models.Quote, error)
}

func (s SourceFunc) Name() string { return s.SourceName }

func (s SourceFunc) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	return s.Fn(ctx, symbol, market)
}

// validQuote reports whether q is structurally usable.
func validQuote(q models.Quote) bool {
	return q.Price > 0 && !math.IsNaN(q.Price) && !math.IsInf(q.Price, 0)
}

// newQuote fills the fields every adapter sets the same way.
func newQuote(source, symbol string, market models.Market, price float64, currency string, asOf time.Time) models.Quote {
	if currency == "" {
		currency = market.Currency()
	}
	return models.Quote{
		Symbol:   models.NormalizeSymbol(symbol),
		Market:   market,
		Price:    price,
		Currency: currency,
		AsOf:     asOf,
		Source:   source,
	}
}

func unsupported(source, symbol string, market models.Market) error {
	return errors.NewSourceError(source, symbol, string(market), errors.ErrUnsupportedMarket, nil)
}

func malformed(source, symbol string, market models.Market, err error) error {
	return errors.NewSourceError(source, symbol, string(market), errors.ErrSourceMalformed, err)
}
