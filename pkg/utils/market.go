package utils

import (
	"time"

	"portfolio-engine/internal/models"
)

// Exchange time zones. Fixed offsets are used when the tz database is missing.
var (
	ShanghaiLocation = loadLocation("Asia/Shanghai", 8*60*60)
	HongKongLocation = loadLocation("Asia/Hong_Kong", 8*60*60)
	NewYorkLocation  = loadLocation("America/New_York", -5*60*60)
)

func loadLocation(name string, offset int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, offset)
	}
	return loc
}

// MarketStatus is the trading state of a market at an instant.
type MarketStatus string

const (
	MarketOpen   MarketStatus = "open"
	MarketClosed MarketStatus = "closed"
	MarketBreak  MarketStatus = "lunch_break"
)

type session struct {
	loc *time.Location
	// Trading windows in minutes after local midnight.
	windows [][2]int
}

var sessions = map[models.Market]session{
	models.MarketDomesticEquity: {ShanghaiLocation, [][2]int{{9*60 + 30, 11*60 + 30}, {13 * 60, 15 * 60}}},
	models.MarketHKEquity:       {HongKongLocation, [][2]int{{9*60 + 30, 12 * 60}, {13 * 60, 16 * 60}}},
	models.MarketUSEquity:       {NewYorkLocation, [][2]int{{9*60 + 30, 16 * 60}}},
	// Fund estimates are published through the A-share session.
	models.MarketFund: {ShanghaiLocation, [][2]int{{9*60 + 30, 11*60 + 30}, {13 * 60, 15 * 60}}},
}

// GetMarketStatus returns the status of a market at t. Weekends are closed;
// exchange holidays are not modelled.
func GetMarketStatus(market models.Market, t time.Time) MarketStatus {
	s, ok := sessions[market]
	if !ok {
		return MarketClosed
	}
	local := t.In(s.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return MarketClosed
	}

	minutes := local.Hour()*60 + local.Minute()
	for i, w := range s.windows {
		if minutes >= w[0] && minutes < w[1] {
			return MarketOpen
		}
		if i > 0 && minutes >= s.windows[i-1][1] && minutes < w[0] {
			return MarketBreak
		}
	}
	return MarketClosed
}

// IsMarketOpen returns true if the market is trading at t.
func IsMarketOpen(market models.Market, t time.Time) bool {
	return GetMarketStatus(market, t) == MarketOpen
}

// AnyMarketOpen reports whether at least one of the markets is trading at t.
func AnyMarketOpen(markets []models.Market, t time.Time) bool {
	for _, m := range markets {
		if IsMarketOpen(m, t) {
			return true
		}
	}
	return false
}
