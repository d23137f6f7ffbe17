package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"portfolio-engine/internal/errors"
)

// Schedule decides when a task is next due.
type Schedule interface {
	// Next returns the first due time strictly after t.
	Next(t time.Time) time.Time
	String() string
}

type interval struct {
	every time.Duration
}

// Every fires at a fixed interval measured from when the task was scheduled.
func Every(d time.Duration) Schedule {
	return interval{every: d}
}

func (s interval) Next(t time.Time) time.Time { return t.Add(s.every) }
func (s interval) String() string            { return "every " + s.every.String() }

type daily struct {
	hour, minute int
	loc          *time.Location
}

// DailyAt fires once a day at hour:minute in loc.
func DailyAt(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.Local
	}
	return daily{hour: hour, minute: minute, loc: loc}
}

func (s daily) Next(t time.Time) time.Time {
	lt := t.In(s.loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(t) {
		next = time.Date(lt.Year(), lt.Month(), lt.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

func (s daily) String() string { return fmt.Sprintf("daily at %02d:%02d", s.hour, s.minute) }

type weekly struct {
	day          time.Weekday
	hour, minute int
	loc          *time.Location
}

// WeeklyAt fires once a week on day at hour:minute in loc.
func WeeklyAt(day time.Weekday, hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.Local
	}
	return weekly{day: day, hour: hour, minute: minute, loc: loc}
}

func (s weekly) Next(t time.Time) time.Time {
	lt := t.In(s.loc)
	offset := (int(s.day) - int(lt.Weekday()) + 7) % 7
	next := time.Date(lt.Year(), lt.Month(), lt.Day()+offset, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(t) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (s weekly) String() string {
	return fmt.Sprintf("weekly on %s at %02d:%02d", s.day, s.hour, s.minute)
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, errors.NewValidationError("time", s, "expected HH:MM")
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.NewValidationError("time", s, "hour must be 00-23")
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.NewValidationError("time", s, "minute must be 00-59")
	}
	return hour, minute, nil
}
