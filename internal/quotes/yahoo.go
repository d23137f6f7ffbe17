package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"portfolio-engine/internal/models"
)

// YahooSource reads the v8 chart endpoint. It serves every equity market;
// funds are not listed there.
type YahooSource struct {
	httpSource
}

// NewYahooSource creates the Yahoo Finance adapter.
func NewYahooSource(opts HTTPOptions) *YahooSource {
	return &YahooSource{httpSource: newHTTPSource("yahoo", "https://query1.finance.yahoo.com", opts)}
}

func (s *YahooSource) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	if market == models.MarketFund {
		return models.Quote{}, unsupported(s.name, symbol, market)
	}

	addr := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", s.baseURL, url.PathEscape(YahooSymbol(symbol, market)))
	body, err := s.get(ctx, symbol, market, addr, nil)
	if err != nil {
		return models.Quote{}, err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, err)
	}

	meta, err := jsonpath.Get("$.chart.result[0].meta", doc)
	if err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("no chart meta: %w", err))
	}
	m, ok := firstValue(meta).(map[string]any)
	if !ok {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("chart meta is %T", meta))
	}

	// regularMarketPrice is absent outside trading hours for some listings.
	price, _ := m["regularMarketPrice"].(float64)
	if price <= 0 {
		price, _ = m["previousClose"].(float64)
	}
	if price <= 0 {
		price, _ = m["chartPreviousClose"].(float64)
	}
	if price <= 0 {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("no price in chart meta"))
	}

	currency, _ := m["currency"].(string)
	asOf := s.now()
	if ts, ok := m["regularMarketTime"].(float64); ok && ts > 0 {
		asOf = time.Unix(int64(ts), 0).UTC()
	}
	return newQuote(s.name, symbol, market, price, currency, asOf), nil
}

// firstValue unwraps single element lists: jsonpath returns a list for
// filters and wildcards and a plain value otherwise.
func firstValue(v any) any {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}
