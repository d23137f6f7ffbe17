package quotes

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"portfolio-engine/internal/models"
)

// SourceSettings carries what the built-in adapters need to be constructed.
type SourceSettings struct {
	AlphaVantageKey string
	// RateLimits maps a source name to requests per second.
	RateLimits  map[string]float64
	JSONSources []JSONPathConfig
	Client      *http.Client
	// BaseURLs overrides vendor endpoints by source name.
	BaseURLs map[string]string
	Now      func() time.Time
}

// SourceNames lists the built-in adapters.
var SourceNames = []string{"yahoo", "alphavantage", "tencent", "sina", "eastmoney"}

// NewSource constructs a built-in or configured JSON source by name.
func NewSource(name string, s SourceSettings) (QuoteSource, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	opts := HTTPOptions{
		BaseURL:   s.BaseURLs[name],
		Client:    s.Client,
		RateLimit: s.RateLimits[name],
		Now:       s.Now,
	}
	switch name {
	case "yahoo":
		return NewYahooSource(opts), nil
	case "alphavantage":
		return NewAlphaVantageSource(s.AlphaVantageKey, opts), nil
	case "tencent":
		return NewTencentSource(opts), nil
	case "sina":
		return NewSinaSource(opts), nil
	case "eastmoney":
		return NewEastmoneySource(opts), nil
	}
	for _, js := range s.JSONSources {
		if strings.EqualFold(js.Name, name) {
			return NewJSONPathSource(js, opts)
		}
	}
	return nil, fmt.Errorf("unknown quote source %q", name)
}

// BuildSources turns a market -> source-name table into adapter chains. A
// source named for several markets is constructed once so its rate limiter
// is shared.
func BuildSources(byMarket map[string][]string, s SourceSettings) (map[models.Market][]QuoteSource, error) {
	built := make(map[string]QuoteSource)
	out := make(map[models.Market][]QuoteSource, len(byMarket))
	for rawMarket, names := range byMarket {
		market, err := models.ParseMarket(rawMarket)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			key := strings.ToLower(strings.TrimSpace(name))
			src, ok := built[key]
			if !ok {
				src, err = NewSource(key, s)
				if err != nil {
					return nil, fmt.Errorf("market %s: %w", market, err)
				}
				built[key] = src
			}
			out[market] = append(out[market], src)
		}
	}
	return out, nil
}
