package logic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock offset in seconds since local midnight.
type TimeOfDay int

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	limits := []int{24, 60, 60}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = n
	}
	return TimeOfDay(vals[0]*3600 + vals[1]*60 + vals[2]), nil
}

// MustTimeOfDay is ParseTimeOfDay for constants; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	h, m, s := int(t)/3600, int(t)%3600/60, int(t)%60
	if s == 0 {
		return fmt.Sprintf("%02d:%02d", h, m)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ClockOf returns the time of day of t in its own location.
func ClockOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

// DaySet is a set of weekdays, bit 0 = Monday ... bit 6 = Sunday.
// The empty set means every day.
type DaySet uint8

// EveryDay contains all seven days.
const EveryDay DaySet = 0x7f

// Weekdays is Monday through Friday.
const Weekdays DaySet = 0x1f

// NewDaySet builds a set from day numbers 0..6 (0 = Monday).
func NewDaySet(days ...int) (DaySet, error) {
	var d DaySet
	for _, n := range days {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("day of week %d out of range 0-6", n)
		}
		d |= 1 << uint(n)
	}
	return d, nil
}

// ParseDaySet parses a comma-separated list such as "0,1,2,3,4".
func ParseDaySet(s string) (DaySet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var days []int
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, fmt.Errorf("invalid day of week %q", p)
		}
		days = append(days, n)
	}
	return NewDaySet(days...)
}

// Has reports whether day (0 = Monday) is in the set.
func (d DaySet) Has(day int) bool {
	if d == 0 {
		return true
	}
	return d&(1<<uint(day)) != 0
}

// Days returns the member day numbers in ascending order.
func (d DaySet) Days() []int {
	var out []int
	for i := 0; i < 7; i++ {
		if d&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func (d DaySet) String() string {
	days := d.Days()
	parts := make([]string, len(days))
	for i, n := range days {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// DayIndex maps a time.Weekday onto the 0 = Monday numbering.
func DayIndex(w time.Weekday) int {
	return (int(w) + 6) % 7
}

// Matches reports whether schedule s is "on" at now, evaluated in loc.
//
// Same-day windows are half-open [start, end). Overnight windows
// (start > end) belong to the day they started on, so the part after
// midnight checks the previous day. start == end never matches.
func Matches(s Schedule, now time.Time, loc *time.Location) bool {
	if !s.Active || s.Start == s.End {
		return false
	}
	if loc != nil {
		now = now.In(loc)
	}
	t := ClockOf(now)
	d := DayIndex(now.Weekday())

	if s.Start < s.End {
		return t >= s.Start && t < s.End && s.Days.Has(d)
	}
	if t >= s.Start && s.Days.Has(d) {
		return true
	}
	return t < s.End && s.Days.Has((d+6)%7)
}
