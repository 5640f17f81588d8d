package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a time of day expressed as the offset from midnight.
type Clock time.Duration

// ParseClock parses "HH:MM" (24h). Empty input is midnight.
func ParseClock(raw string) (Clock, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid HH:MM %q", raw)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || len(ms) != 2 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", raw)
	}
	return Clock(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute), nil
}

// MustClock is ParseClock for literals; it panics on bad input.
func MustClock(raw string) Clock {
	c, err := ParseClock(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the time-of-day of t in t's location.
func ClockOf(t time.Time) Clock {
	h, m, s := t.Clock()
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
	return Clock(d)
}

func (c Clock) String() string {
	d := time.Duration(c)
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// Window is a daily time slot. Start > Stop wraps past midnight;
// Start == Stop covers the whole day.
type Window struct {
	Start Clock
	Stop  Clock
}

// Contains reports whether the time-of-day c falls inside the window.
func (w Window) Contains(c Clock) bool {
	switch {
	case w.Start > w.Stop:
		return c < w.Stop || c >= w.Start
	case w.Start < w.Stop:
		return c >= w.Start && c < w.Stop
	default:
		return true
	}
}

// Days holds one flag per weekday, indexed by time.Weekday (Sunday = 0).
type Days [7]bool

// EveryDay enables all weekdays.
func EveryDay() Days { return Days{true, true, true, true, true, true, true} }

func (d Days) Allows(wd time.Weekday) bool {
	if wd < time.Sunday || wd > time.Saturday {
		return false
	}
	return d[wd]
}

// Schedule couples the weekday flags with the daily window. Rules and
// detection profiles share it so both select by exactly the same routine.
type Schedule struct {
	Days   Days
	Window Window
}

func (s Schedule) Allows(t time.Time) bool {
	return s.Days.Allows(t.Weekday()) && s.Window.Contains(ClockOf(t))
}
