// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// FormatMoney formats an amount in the currency's own notation, e.g.
// "$1,234.56" or "HK$88.00". Unknown currency codes fall back to "12.34 XYZ".
func FormatMoney(amount float64, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return fmt.Sprintf("%.2f %s", amount, currency)
	}
	minor := decimal.NewFromFloat(amount).Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

// FormatPnL formats a profit or loss with an explicit sign.
func FormatPnL(amount float64, currency string) string {
	formatted := FormatMoney(amount, currency)
	if amount > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatQuantity formats a quantity with thousands separators.
func FormatQuantity(qty int64) string {
	s := strconv.FormatInt(qty, 10)
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if negative {
		return "-" + b.String()
	}
	return b.String()
}

