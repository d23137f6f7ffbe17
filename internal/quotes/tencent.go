package quotes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"portfolio-engine/internal/models"
)

// chinaTime is the exchange time zone for Shanghai, Shenzhen and Hong Kong.
var chinaTime = time.FixedZone("CST", 8*3600)

// TencentSource reads qt.gtimg.cn, which answers with a JavaScript assignment
// of "~" separated fields. Serves A-shares and Hong Kong.
type TencentSource struct {
	httpSource
}

// NewTencentSource creates the Tencent quote adapter.
func NewTencentSource(opts HTTPOptions) *TencentSource {
	return &TencentSource{httpSource: newHTTPSource("tencent", "https://qt.gtimg.cn", opts)}
}

func (s *TencentSource) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	code, ok := ChinaQuoteCode(symbol, market)
	if !ok {
		return models.Quote{}, unsupported(s.name, symbol, market)
	}

	body, err := s.get(ctx, symbol, market, s.baseURL+"/q="+code, nil)
	if err != nil {
		return models.Quote{}, err
	}

	payload, ok := quotedPayload(string(body))
	if !ok {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("no quoted payload"))
	}
	fields := strings.Split(payload, "~")
	if len(fields) < 4 {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("%d fields", len(fields)))
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("price %q: %w", fields[3], err))
	}

	asOf := s.now()
	if len(fields) > 30 {
		if t, ok := parseChinaTimestamp(fields[30]); ok {
			asOf = t
		}
	}
	return newQuote(s.name, symbol, market, price, "", asOf), nil
}

// quotedPayload extracts the string literal from `v_code="...";`. An empty
// literal means the vendor does not know the code.
func quotedPayload(body string) (string, bool) {
	_, rest, ok := strings.Cut(body, `="`)
	if !ok {
		return "", false
	}
	payload, _, ok := strings.Cut(rest, `"`)
	if !ok || strings.TrimSpace(payload) == "" {
		return "", false
	}
	return payload, true
}

func parseChinaTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"20060102150405", "2006/01/02 15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, chinaTime); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
