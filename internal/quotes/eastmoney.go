package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"portfolio-engine/internal/models"
)

// EastmoneySource reads the fundgz intraday estimate for mutual funds. The
// body is JSONP: jsonpgz({...});
type EastmoneySource struct {
	httpSource
}

// NewEastmoneySource creates the fund NAV adapter.
func NewEastmoneySource(opts HTTPOptions) *EastmoneySource {
	return &EastmoneySource{httpSource: newHTTPSource("eastmoney", "https://fundgz.1234567.com.cn", opts)}
}

type fundEstimate struct {
	Code      string `json:"fundcode"`
	Name      string `json:"name"`
	NAVDate   string `json:"jzrq"`
	NAV       string `json:"dwjz"`
	Estimate  string `json:"gsz"`
	Change    string `json:"gszzl"`
	EstimTime string `json:"gztime"`
}

func (s *EastmoneySource) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	code := bareCode(symbol)
	if market != models.MarketFund || !isDigits(code) {
		return models.Quote{}, unsupported(s.name, symbol, market)
	}

	header := http.Header{}
	header.Set("Referer", "https://fund.eastmoney.com/"+code+".html")
	body, err := s.get(ctx, symbol, market, s.baseURL+"/js/"+code+".js", header)
	if err != nil {
		return models.Quote{}, err
	}

	text := strings.TrimSpace(string(body))
	start := strings.Index(text, "(")
	end := strings.LastIndex(text, ")")
	if start < 0 || end <= start+1 {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("not a jsonp payload"))
	}

	var est fundEstimate
	if err := json.Unmarshal([]byte(text[start+1:end]), &est); err != nil {
		return models.Quote{}, malformed(s.name, symbol, market, err)
	}

	// Prefer the intraday estimate and fall back to the last published NAV.
	price, _ := strconv.ParseFloat(strings.TrimSpace(est.Estimate), 64)
	if price <= 0 {
		price, _ = strconv.ParseFloat(strings.TrimSpace(est.NAV), 64)
	}
	if price <= 0 {
		return models.Quote{}, malformed(s.name, symbol, market, fmt.Errorf("no NAV in estimate"))
	}

	asOf := s.now()
	if t, ok := parseChinaTimestamp(est.EstimTime + ":00"); ok {
		asOf = t
	}
	return newQuote(s.name, symbol, market, price, "CNY", asOf), nil
}
