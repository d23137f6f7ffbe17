package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"portfolio-engine/internal/models"
)

// JSONPathConfig describes a JSON vendor that needs no code: a URL template
// and JSONPath expressions that locate the price and, optionally, the currency.
type JSONPathConfig struct {
	Name string
	// URL may contain {symbol}, {market} and {yahoo} placeholders.
	URL          string
	PricePath    string
	CurrencyPath string
	Markets      []models.Market
}

// JSONPathSource is a QuoteSource driven by a JSONPathConfig.
type JSONPathSource struct {
	httpSource
	cfg JSONPathConfig
}

// NewJSONPathSource creates a configurable JSON source.
func NewJSONPathSource(cfg JSONPathConfig, opts HTTPOptions) (*JSONPathSource, error) {
	if cfg.Name == "" || cfg.URL == "" || cfg.PricePath == "" {
		return nil, fmt.Errorf("json source needs name, url and price_path")
	}
	if _, err := jsonpath.New(cfg.PricePath); err != nil {
		return nil, fmt.Errorf("json source %s: price_path: %w", cfg.Name, err)
	}
	return &JSONPathSource{httpSource: newHTTPSource(cfg.Name, "", opts), cfg: cfg}, nil
}

func (s *JSONPathSource) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	if len(s.cfg.Markets) > 0 && !slices.Contains(s.cfg.Markets, market) {
		return models.Quote{}, unsupported(s.name, symbol, market)
	}

	addr := strings.NewReplacer(
		"{symbol}", url.PathEscape(models.NormalizeSymbol(symbol)),
		"{market}", url.PathEscape(string(market)),
		"{yahoo}", url.PathEscape(YahooSymbol(symbol, market)),
	).Replace(s.cfg.URL)
	if s.baseURL != "" {
		// Tests point the template at a local server.
		if u, err := url.Parse(addr); err == nil {
			addr = s.baseURL + u.RequestURI()
		}
	}

	body, err := s.get(ctx, symbol, market, addr, nil)
	if err != nil {
		return models.Quote{}, err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, err)
	}

	v, err := jsonpath.Get(s.cfg.PricePath, doc)
	if err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("%s: %w", s.cfg.PricePath, err))
	}
	price, err := toFloat(firstValue(v))
	if err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("%s: %w", s.cfg.PricePath, err))
	}

	currency := ""
	if s.cfg.CurrencyPath != "" {
		if c, err := jsonpath.Get(s.cfg.CurrencyPath, doc); err == nil {
			currency, _ = firstValue(c).(string)
		}
	}
	return newQuote(s.name, symbol, market, price, currency, s.now()), nil
}

// toFloat accepts numbers and numeric strings; vendors use both.
func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		x = strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		return strconv.ParseFloat(x, 64)
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}
