package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
)

// AlphaVantageSource queries GLOBAL_QUOTE. Only US listings are supported.
type AlphaVantageSource struct {
	httpSource
	apiKey string
}

// NewAlphaVantageSource creates the Alpha Vantage adapter. An empty key falls
// back to the public demo key, which only answers for a few symbols.
func NewAlphaVantageSource(apiKey string, opts HTTPOptions) *AlphaVantageSource {
	if apiKey == "" {
		apiKey = "demo"
	}
	return &AlphaVantageSource{
		httpSource: newHTTPSource("alphavantage", "https://www.alphavantage.co", opts),
		apiKey:     apiKey,
	}
}

type globalQuoteResponse struct {
	GlobalQuote  map[string]string `json:"Global Quote"`
	Note         string            `json:"Note"`
	Information  string            `json:"Information"`
	ErrorMessage string            `json:"Error Message"`
}

func (s *AlphaVantageSource) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	if market != models.MarketUSEquity {
		return models.Quote{}, unsupported(s.name, symbol, market)
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", models.NormalizeSymbol(symbol))
	q.Set("apikey", s.apiKey)
	body, err := s.get(ctx, symbol, market, s.baseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return models.Quote{}, err
	}

	var resp globalQuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, err)
	}

	// The free tier answers 200 with a Note or Information field when throttled.
	if resp.Note != "" || resp.Information != "" {
		msg := resp.Note
		if msg == "" {
			msg = resp.Information
		}
		return models.Quote{}, errors.NewSourceError(s.name, symbol, string(market), errors.ErrSourceRateLimited, fmt.Errorf("%s", truncate(msg, 120)))
	}
	if resp.ErrorMessage != "" {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("%s", truncate(resp.ErrorMessage, 120)))
	}

	raw, ok := resp.GlobalQuote["05. price"]
	if !ok {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("empty Global Quote"))
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("price %q: %w", raw, err))
	}
	return newQuote(s.name, symbol, market, price, "USD", s.now()), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
