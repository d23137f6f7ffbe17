package quotes

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"portfolio-engine/internal/models"
)

// SinaSource reads hq.sinajs.cn. The endpoint rejects requests without a
// Sina Referer. Serves A-shares and Hong Kong.
type SinaSource struct {
	httpSource
}

// NewSinaSource creates the Sina quote adapter.
func NewSinaSource(opts HTTPOptions) *SinaSource {
	return &SinaSource{httpSource: newHTTPSource("sina", "https://hq.sinajs.cn", opts)}
}

func (s *SinaSource) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	code, ok := ChinaQuoteCode(symbol, market)
	if !ok {
		return models.Quote{}, unsupported(s.name, symbol, market)
	}

	header := http.Header{}
	header.Set("Referer", "https://finance.sina.com.cn/")
	body, err := s.get(ctx, symbol, market, s.baseURL+"/list="+code, header)
	if err != nil {
		return models.Quote{}, err
	}

	payload, ok := quotedPayload(string(body))
	if !ok {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("no quoted payload"))
	}
	fields := strings.Split(payload, ",")

	// A-shares: name, open, prev close, last, ... date(30), time(31).
	// Hong Kong: en name, name, open, prev close, high, low, last, ... date(17), time(18).
	priceIdx, dateIdx, timeIdx := 3, 30, 31
	if market == models.MarketHKEquity {
		priceIdx, dateIdx, timeIdx = 6, 17, 18
	}
	if len(fields) <= priceIdx {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("%d fields", len(fields)))
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(fields[priceIdx]), 64)
	if err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("price %q: %w", fields[priceIdx], err))
	}

	asOf := s.now()
	if len(fields) > timeIdx {
		if t, ok := parseSinaTime(fields[dateIdx], fields[timeIdx]); ok {
			asOf = t
		}
	}
	return newQuote(s.name, symbol, market, price, "", asOf), nil
}

func parseSinaTime(date, clock string) (time.Time, bool) {
	date = strings.ReplaceAll(strings.TrimSpace(date), "/", "-")
	clock = strings.TrimSpace(clock)
	if len(clock) == 5 {
		clock += ":00"
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, chinaTime)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
