package schedule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Recurrence controls how far a job's run date advances after it has run.
type Recurrence string

const (
	Daily    Recurrence = "daily"
	Weekly   Recurrence = "weekly"
	Monthly  Recurrence = "monthly"
	FixedDay Recurrence = "fixed_day"
)

func ParseRecurrence(s string) (Recurrence, error) {
	switch r := Recurrence(strings.ToLower(strings.TrimSpace(s))); r {
	case Daily, Weekly, Monthly, FixedDay:
		return r, nil
	case "":
		return "", errors.New("recurrence is required")
	default:
		return "", errors.Newf("unknown recurrence %q", s)
	}
}

// Spec is the scheduling-relevant part of a job definition.
type Spec struct {
	Recurrence Recurrence
	Windows    []Window
	// FixedDay (1-31) pins the run date to that day of month; 0 means unset.
	FixedDay int
}

// Plan is one computed firing: the calendar date, the time-of-day pick, and
// the resulting instant.
type Plan struct {
	Date time.Time
	Pick Pick
	At   time.Time
}

// Planner combines the run-date rules with the window resolver.
type Planner struct {
	resolver *Resolver
	loc      *time.Location
}

func NewPlanner(resolver *Resolver, loc *time.Location) *Planner {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Planner{resolver: resolver, loc: loc}
}

func (p *Planner) Location() *time.Location { return p.loc }

// Initial computes the first firing after process start from the last recorded
// run (nil when none is known).
func (p *Planner) Initial(spec Spec, now time.Time, last *time.Time) Plan {
	now = now.In(p.loc)
	today := DateOf(now)

	pick, ok := p.resolver.Resolve(spec.Windows, now, last, false)
	date := today
	if last == nil {
		if !ok {
			date = today.AddDate(0, 0, 1)
		}
	} else {
		lastDate := DateOf(last.In(p.loc))
		switch spec.Recurrence {
		case Daily:
			if !ok {
				date = lastDate.AddDate(0, 0, 1)
			}
		case Weekly:
			date = lastDate.AddDate(0, 0, 7)
		case Monthly:
			date = AddMonths(lastDate, 1)
		}
		if !date.After(today) {
			if ok {
				date = today
			} else {
				date = today.AddDate(0, 0, 1)
			}
		}
	}

	if spec.FixedDay > 0 {
		date = NextByDay(spec.FixedDay, today, false)
		if date.Equal(today) && !ok {
			date = NextByDay(spec.FixedDay, today, true)
		}
	}
	return p.finish(spec, now, today, date, pick)
}

// AfterRun computes the next firing once a run has been launched at ranAt.
// The launch time stands in for the last known run.
func (p *Planner) AfterRun(spec Spec, ranAt time.Time) Plan {
	now := ranAt.In(p.loc)
	today := DateOf(now)

	pick, ok := p.resolver.Resolve(spec.Windows, now, &now, false)
	date := today
	switch spec.Recurrence {
	case Daily:
		if !ok {
			date = today.AddDate(0, 0, 1)
		}
	case Weekly:
		date = today.AddDate(0, 0, 7)
	case Monthly:
		date = AddMonths(today, 1)
	}
	if spec.FixedDay > 0 {
		date = NextByDay(spec.FixedDay, today, true)
	}
	return p.finish(spec, now, today, date, pick)
}

func (p *Planner) finish(spec Spec, now, today, date time.Time, pick Pick) Plan {
	if !date.Equal(today) {
		first, ok := p.resolver.Resolve(spec.Windows, now, nil, true)
		if !ok && len(spec.Windows) > 0 {
			first = Pick{Hour: spec.Windows[0].Start.Hour(), Minute: spec.Windows[0].Start.Minute()}
		}
		pick = first
	}
	return Plan{Date: date, Pick: pick, At: FireTime(date, pick, now)}
}

// DateOf truncates t to midnight in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AddMonths adds n calendar months, clamping the day to the target month's
// length (Jan 31 + 1 month is the last day of February).
func AddMonths(date time.Time, n int) time.Time {
	y, m, d := date.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, date.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, date.Location())
}

// NextByDay resolves a fixed day-of-month. With nextMonth unset it stays in
// today's month while today's day <= day; otherwise, or with nextMonth set, it
// uses the following month. Days past the month's end clamp to its last day.
func NextByDay(day int, today time.Time, nextMonth bool) time.Time {
	today = DateOf(today)
	month := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	if nextMonth || today.Day() > clampDay(month, day) {
		month = month.AddDate(0, 1, 0)
	}
	return time.Date(month.Year(), month.Month(), clampDay(month, day), 0, 0, 0, 0, today.Location())
}

// FireTime returns the first instant at pick on or after date (shifted by the
// pick's day offset) that is strictly later than now.
func FireTime(date time.Time, pick Pick, now time.Time) time.Time {
	at := time.Date(date.Year(), date.Month(), date.Day()+pick.DayOffset, pick.Hour, pick.Minute, 0, 0, date.Location())
	for !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func clampDay(month time.Time, day int) int {
	if day < 1 {
		day = 1
	}
	if last := daysIn(month); day > last {
		return last
	}
	return day
}

func daysIn(month time.Time) int {
	return time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, month.Location()).Day()
}
