package quotes

import (
	"strings"

	"portfolio-engine/internal/models"
)

// bareCode strips exchange prefixes and suffixes that users commonly type
// (sh600519, 600519.SS, 00700.HK) and returns the numeric code.
func bareCode(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range []string{".SS", ".SH", ".SZ", ".HK"} {
		s = strings.TrimSuffix(s, suffix)
	}
	for _, prefix := range []string{"SH", "SZ", "HK"} {
		if len(s) > len(prefix) && strings.HasPrefix(s, prefix) && isDigits(s[len(prefix):]) {
			s = s[len(prefix):]
			break
		}
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// exchangePrefix returns "sh" for Shanghai codes (6xxxxx, 9xxxxx, 5xxxxx ETFs)
// and "sz" otherwise.
func exchangePrefix(code string) string {
	if strings.HasPrefix(code, "6") || strings.HasPrefix(code, "9") || strings.HasPrefix(code, "5") {
		return "sh"
	}
	return "sz"
}

// hkCode left-pads a Hong Kong code to five digits.
func hkCode(code string) string {
	for len(code) < 5 {
		code = "0" + code
	}
	return code
}

// YahooSymbol converts a symbol to Yahoo Finance notation.
func YahooSymbol(symbol string, market models.Market) string {
	switch market {
	case models.MarketDomesticEquity:
		code := bareCode(symbol)
		if exchangePrefix(code) == "sh" {
			return code + ".SS"
		}
		return code + ".SZ"
	case models.MarketHKEquity:
		// Yahoo uses four digit codes for Hong Kong.
		code := strings.TrimLeft(bareCode(symbol), "0")
		for len(code) < 4 {
			code = "0" + code
		}
		return code + ".HK"
	default:
		return models.NormalizeSymbol(symbol)
	}
}

// ChinaQuoteCode converts a symbol to the code used by Tencent and Sina
// (sh600519, sz000001, hk00700).
func ChinaQuoteCode(symbol string, market models.Market) (string, bool) {
	switch market {
	case models.MarketDomesticEquity:
		code := bareCode(symbol)
		if !isDigits(code) {
			return "", false
		}
		return exchangePrefix(code) + code, true
	case models.MarketHKEquity:
		code := bareCode(symbol)
		if !isDigits(code) {
			return "", false
		}
		return "hk" + hkCode(code), true
	}
	return "", false
}
