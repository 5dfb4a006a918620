package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// clock is a time of day in seconds since local midnight.
type clock int

func clockOf(t time.Time) clock {
	return clock(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

// parseClock accepts HH:MM and HH:MM:SS.
func parseClock(s string) (clock, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return clockOf(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func (c clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(c)/3600, int(c)%3600/60, int(c)%60)
}

// Window is an inclusive time-of-day range. A window whose start is after
// its end spans midnight.
type Window struct {
	Start clock
	End   clock
}

// Contains reports whether c lies inside the window, bounds included.
func (w Window) Contains(c clock) bool {
	if w.Start <= w.End {
		return c >= w.Start && c <= w.End
	}
	return c >= w.Start || c <= w.End
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// parseWindow returns nil when neither bound is configured. A single bound
// is an error.
func parseWindow(start, end string) (*Window, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("window needs both start and end, got %q-%q", start, end)
	}

	s, err := parseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, err
	}
	return &Window{Start: s, End: e}, nil
}

// weekdaySet is a bitmask over ISO weekdays, bit 1 = Monday ... bit 7 = Sunday.
type weekdaySet uint8

const (
	workdays weekdaySet = 1<<1 | 1<<2 | 1<<3 | 1<<4 | 1<<5
	weekend  weekdaySet = 1<<6 | 1<<7
)

func (s weekdaySet) Has(isoDay int) bool {
	return s&(1<<uint(isoDay)) != 0
}

// isoWeekday maps time.Weekday onto 1 (Monday) .. 7 (Sunday).
func isoWeekday(t time.Time) int {
	d := int(t.Weekday())
	if d == 0 {
		return 7
	}
	return d
}

// parseWeekdays decodes a comma list of ISO weekdays such as "1,3,5".
func parseWeekdays(s string) (weekdaySet, error) {
	var set weekdaySet
	for _, part := range splitList(s) {
		d, err := strconv.Atoi(part)
		if err != nil || d < 1 || d > 7 {
			return 0, fmt.Errorf("invalid weekday %q", part)
		}
		set |= 1 << uint(d)
	}
	if set == 0 {
		return 0, fmt.Errorf("no weekdays configured")
	}
	return set, nil
}

// splitList splits a comma-encoded list, trimming blanks and dropping empties.
func splitList(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
