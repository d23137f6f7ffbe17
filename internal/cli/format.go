package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-engine/internal/errors"
)

// ParseAmount parses a decimal command-line amount such as a price or fee.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.NewValidationError(field, s, "not a number")
	}
	return d, nil
}

// ParseDate parses a YYYY-MM-DD or RFC 3339 flag value in loc. A bare date
// used as an upper bound covers the whole day.
func ParseDate(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, errors.NewValidationError("date", s, "expected YYYY-MM-DD")
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

// FormatDateTime formats a timestamp in local time; zero prints as a dash.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// TruncateString truncates a string to maxLen runes with an ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
