package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"portfolio-engine/internal/models"
)

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		amount   float64
		currency string
		want     string
	}{
		{1234.56, "USD", "$1,234.56"},
		{-1234.56, "USD", "-$1,234.56"},
		{0.005, "USD", "$0.01"},
		{12.34, "XYZ", "12.34 XYZ"},
	}
	for _, tt := range tests {
		if got := FormatMoney(tt.amount, tt.currency); got != tt.want {
			t.Errorf("FormatMoney(%v, %s) = %q, want %q", tt.amount, tt.currency, got, tt.want)
		}
	}
	if got := FormatPnL(10, "USD"); got != "+$10.00" {
		t.Errorf("FormatPnL() = %q", got)
	}
}

func TestFormatNumbers(t *testing.T) {
	if got := FormatQuantity(1234567); got != "1,234,567" {
		t.Errorf("FormatQuantity() = %q", got)
	}
	if got := FormatQuantity(-1000); got != "-1,000" {
		t.Errorf("FormatQuantity(-1000) = %q", got)
	}
	if got := FormatPercent(3.456); got != "+3.46%" {
		t.Errorf("FormatPercent() = %q", got)
	}
}

func TestGetMarketStatus(t *testing.T) {
	monday := func(h, m int, loc *time.Location) time.Time {
		return time.Date(2024, 3, 4, h, m, 0, 0, loc)
	}
	tests := []struct {
		name   string
		market models.Market
		at     time.Time
		want   MarketStatus
	}{
		{"a-share morning", models.MarketDomesticEquity, monday(10, 0, ShanghaiLocation), MarketOpen},
		{"a-share lunch", models.MarketDomesticEquity, monday(12, 0, ShanghaiLocation), MarketBreak},
		{"a-share after close", models.MarketDomesticEquity, monday(15, 30, ShanghaiLocation), MarketClosed},
		{"hk afternoon", models.MarketHKEquity, monday(15, 30, HongKongLocation), MarketOpen},
		{"us session", models.MarketUSEquity, monday(10, 0, NewYorkLocation), MarketOpen},
		{"us pre-market", models.MarketUSEquity, monday(9, 0, NewYorkLocation), MarketClosed},
		{"weekend", models.MarketUSEquity, time.Date(2024, 3, 2, 10, 0, 0, 0, NewYorkLocation), MarketClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetMarketStatus(tt.market, tt.at); got != tt.want {
				t.Errorf("GetMarketStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Retry() = %v after %d calls", err, calls)
	}

	calls = 0
	stop := errors.New("bad request")
	err = Retry(ctx, cfg, func() error {
		calls++
		return Permanent(stop)
	})
	if err != stop || calls != 1 {
		t.Errorf("permanent error: err=%v calls=%d", err, calls)
	}

	calls = 0
	cfg.Retryable = func(err error) bool { return false }
	Retry(ctx, cfg, func() error {
		calls++
		return errors.New("not retryable")
	})
	if calls != 1 {
		t.Errorf("Retryable=false made %d calls", calls)
	}
}
