package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const minutesPerDay = 24 * 60

// MinWindowWidth is the narrowest window the resolver can pick from.
const MinWindowWidth = 2

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, errors.Newf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, errors.Newf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, errors.Newf("invalid minute in %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// TimeOf returns the minute-of-day of t in t's location. Seconds are dropped.
func TimeOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Window is an allowed firing interval. End <= Start means the window spans
// midnight into the next day.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Window{}, errors.Wrap(err, "window start")
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Window{}, errors.Wrap(err, "window end")
	}
	w := Window{Start: s, End: e}
	if w.Width() < MinWindowWidth {
		return Window{}, errors.Newf("window %s is narrower than %d minutes", w, MinWindowWidth)
	}
	return w, nil
}

func (w Window) Wraps() bool { return w.End <= w.Start }

// Width is the window length in minutes. A window with End == Start covers a full day.
func (w Window) Width() int {
	end := int(w.End)
	if w.Wraps() {
		end += minutesPerDay
	}
	return end - int(w.Start)
}

// Contains reports whether t lies within [Start, End].
func (w Window) Contains(t TimeOfDay) bool {
	if w.Wraps() {
		return t >= w.Start || t <= w.End
	}
	return t >= w.Start && t <= w.End
}

// Inside reports whether t lies strictly within (Start, End).
func (w Window) Inside(t TimeOfDay) bool {
	if w.Wraps() {
		return t > w.Start || t < w.End
	}
	return t > w.Start && t < w.End
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}
