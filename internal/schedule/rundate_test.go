package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlanner(seed int64) *Planner {
	return NewPlanner(NewResolver(rand.New(rand.NewSource(seed))), time.UTC)
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	require.NoError(t, err)
	return d
}

func TestParseRecurrence(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"daily", "Weekly", " monthly ", "fixed_day"} {
		_, err := ParseRecurrence(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseRecurrence("hourly")
	assert.Error(t, err)
	_, err = ParseRecurrence("")
	assert.Error(t, err)
}

func TestInitialNoHistoryKeepsTodayWhenPickExists(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(1)
	spec := Spec{Recurrence: Daily, Windows: []Window{mustWindow(t, "09:00", "11:00")}}
	now := at(t, "2024-01-02 08:00")

	plan := p.Initial(spec, now, nil)
	assert.Equal(t, date(t, "2024-01-02"), plan.Date)
	assert.True(t, plan.At.After(now))
	assert.GreaterOrEqual(t, plan.Pick.Hour, 9)
	assert.Less(t, plan.Pick.Hour, 11)
}

func TestInitialNoHistoryPastWindowMovesToTomorrow(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(2)
	w := mustWindow(t, "09:00", "11:00")
	spec := Spec{Recurrence: Daily, Windows: []Window{w}}

	plan := p.Initial(spec, at(t, "2024-01-02 11:30"), nil)
	assert.Equal(t, date(t, "2024-01-03"), plan.Date)
	assert.True(t, w.Inside(plan.Pick.TimeOfDay()))
	assert.Equal(t, date(t, "2024-01-03"), DateOf(plan.At))
}

func TestInitialDailyPastWindowUsesLastPlusOne(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(3)
	spec := Spec{Recurrence: Daily, Windows: []Window{mustWindow(t, "09:00", "11:00")}}
	last := at(t, "2024-01-01 09:45")

	plan := p.Initial(spec, at(t, "2024-01-02 11:30"), &last)
	assert.Equal(t, date(t, "2024-01-03"), plan.Date)
}

func TestInitialWeeklyUsesLastPlusSeven(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(4)
	spec := Spec{Recurrence: Weekly, Windows: []Window{mustWindow(t, "09:00", "11:00")}}
	last := at(t, "2024-01-01 09:45")

	plan := p.Initial(spec, at(t, "2024-01-02 11:30"), &last)
	assert.Equal(t, date(t, "2024-01-08"), plan.Date)
}

func TestInitialWeeklyOverdueCollapsesToToday(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(5)
	spec := Spec{Recurrence: Weekly, Windows: []Window{mustWindow(t, "09:00", "11:00")}}
	last := at(t, "2023-12-01 09:45")

	plan := p.Initial(spec, at(t, "2024-01-02 08:00"), &last)
	assert.Equal(t, date(t, "2024-01-02"), plan.Date)

	plan = p.Initial(spec, at(t, "2024-01-02 12:00"), &last)
	assert.Equal(t, date(t, "2024-01-03"), plan.Date)
}

func TestInitialMonthlyClampsDay(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(6)
	spec := Spec{Recurrence: Monthly, Windows: []Window{mustWindow(t, "09:00", "11:00")}}
	last := at(t, "2024-01-31 10:00")

	plan := p.Initial(spec, at(t, "2024-02-01 08:00"), &last)
	assert.Equal(t, date(t, "2024-02-29"), plan.Date)
}

func TestInitialFixedDay(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(7)
	spec := Spec{Recurrence: Monthly, FixedDay: 15, Windows: []Window{mustWindow(t, "09:00", "11:00")}}

	plan := p.Initial(spec, at(t, "2024-01-20 08:00"), nil)
	assert.Equal(t, date(t, "2024-02-15"), plan.Date)

	plan = p.Initial(spec, at(t, "2024-01-10 08:00"), nil)
	assert.Equal(t, date(t, "2024-01-15"), plan.Date)

	// Fixed day is today and a window is still open.
	plan = p.Initial(spec, at(t, "2024-01-15 08:00"), nil)
	assert.Equal(t, date(t, "2024-01-15"), plan.Date)

	// Fixed day is today but every window has passed.
	plan = p.Initial(spec, at(t, "2024-01-15 12:00"), nil)
	assert.Equal(t, date(t, "2024-02-15"), plan.Date)
}

func TestInitialFixedDayOverridesRecurrence(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(8)
	spec := Spec{Recurrence: Weekly, FixedDay: 5, Windows: []Window{mustWindow(t, "09:00", "11:00")}}
	last := at(t, "2024-01-01 10:00")

	plan := p.Initial(spec, at(t, "2024-01-02 08:00"), &last)
	assert.Equal(t, date(t, "2024-01-05"), plan.Date)
}

func TestAfterRun(t *testing.T) {
	t.Parallel()
	morning := mustWindow(t, "09:00", "11:00")
	evening := mustWindow(t, "18:00", "20:00")
	tests := []struct {
		name string
		spec Spec
		ran  string
		want string
	}{
		{name: "daily second window today", spec: Spec{Recurrence: Daily, Windows: []Window{morning, evening}}, ran: "2024-01-02 09:30", want: "2024-01-02"},
		{name: "daily single window", spec: Spec{Recurrence: Daily, Windows: []Window{morning}}, ran: "2024-01-02 09:30", want: "2024-01-03"},
		{name: "weekly", spec: Spec{Recurrence: Weekly, Windows: []Window{morning, evening}}, ran: "2024-01-02 09:30", want: "2024-01-09"},
		{name: "monthly", spec: Spec{Recurrence: Monthly, Windows: []Window{morning}}, ran: "2024-01-31 09:30", want: "2024-02-29"},
		{name: "fixed day after day", spec: Spec{Recurrence: Monthly, FixedDay: 15, Windows: []Window{morning}}, ran: "2024-01-20 09:30", want: "2024-02-15"},
		{name: "fixed day on day", spec: Spec{Recurrence: Daily, FixedDay: 15, Windows: []Window{morning, evening}}, ran: "2024-01-15 09:30", want: "2024-02-15"},
		{name: "fixed day before day", spec: Spec{Recurrence: Daily, FixedDay: 15, Windows: []Window{morning}}, ran: "2024-01-10 09:30", want: "2024-02-15"},
	}
	for i, tt := range tests {
		tt := tt
		seed := int64(i)
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newTestPlanner(seed)
			ran := at(t, tt.ran)
			plan := p.AfterRun(tt.spec, ran)
			assert.Equal(t, date(t, tt.want), plan.Date)
			assert.True(t, plan.At.After(ran), "next fire %s not after %s", plan.At, ran)
		})
	}
}

func TestAfterRunFutureDateUsesFirstWindow(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(12)
	morning := mustWindow(t, "09:00", "11:00")
	evening := mustWindow(t, "18:00", "20:00")
	spec := Spec{Recurrence: Weekly, Windows: []Window{morning, evening}}

	for i := 0; i < 100; i++ {
		plan := p.AfterRun(spec, at(t, "2024-01-02 19:00"))
		assert.True(t, morning.Inside(plan.Pick.TimeOfDay()), "pick %s", plan.Pick)
	}
}

func TestAfterRunInWrappingTailFiresSameNight(t *testing.T) {
	t.Parallel()
	spec := Spec{Recurrence: Daily, Windows: []Window{mustWindow(t, "22:00", "02:00")}}
	ran := at(t, "2024-01-02 01:30")
	opens := at(t, "2024-01-02 22:00")
	closes := at(t, "2024-01-03 02:00")

	for seed := int64(0); seed < 20; seed++ {
		plan := newTestPlanner(seed).AfterRun(spec, ran)
		assert.Equal(t, date(t, "2024-01-02"), plan.Date, "seed %d", seed)
		assert.True(t, plan.At.After(opens) && plan.At.Before(closes),
			"seed %d: next fire %s outside the 2024-01-02 night", seed, plan.At)
	}
}

func TestInitialAfterWrappingTailRun(t *testing.T) {
	t.Parallel()
	spec := Spec{Recurrence: Daily, Windows: []Window{mustWindow(t, "22:00", "02:00")}}
	last := at(t, "2024-01-02 01:30")
	now := at(t, "2024-01-02 09:00")

	for seed := int64(0); seed < 20; seed++ {
		plan := newTestPlanner(seed).Initial(spec, now, &last)
		assert.Equal(t, date(t, "2024-01-02"), plan.Date, "seed %d", seed)
		assert.True(t, plan.At.After(at(t, "2024-01-02 22:00")) && plan.At.Before(at(t, "2024-01-03 02:00")),
			"seed %d: next fire %s", seed, plan.At)
	}
}

func TestNextByDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		day       int
		today     string
		nextMonth bool
		want      string
	}{
		{day: 15, today: "2024-01-10", want: "2024-01-15"},
		{day: 15, today: "2024-01-15", want: "2024-01-15"},
		{day: 15, today: "2024-01-20", want: "2024-02-15"},
		{day: 15, today: "2024-01-10", nextMonth: true, want: "2024-02-15"},
		{day: 31, today: "2024-01-31", nextMonth: true, want: "2024-02-29"},
		{day: 31, today: "2023-02-10", want: "2023-02-28"},
		{day: 30, today: "2024-12-31", want: "2025-01-30"},
	}
	for _, tt := range tests {
		got := NextByDay(tt.day, date(t, tt.today), tt.nextMonth)
		assert.Equal(t, date(t, tt.want), got, "day=%d today=%s next=%v", tt.day, tt.today, tt.nextMonth)
	}
}

func TestAddMonths(t *testing.T) {
	t.Parallel()
	assert.Equal(t, date(t, "2024-02-29"), AddMonths(date(t, "2024-01-31"), 1))
	assert.Equal(t, date(t, "2025-01-15"), AddMonths(date(t, "2024-12-15"), 1))
	assert.Equal(t, date(t, "2024-04-30"), AddMonths(date(t, "2024-03-31"), 1))
}

func TestFireTime(t *testing.T) {
	t.Parallel()
	now := at(t, "2024-01-02 10:00")
	assert.Equal(t, at(t, "2024-01-02 10:30"), FireTime(date(t, "2024-01-02"), Pick{Hour: 10, Minute: 30}, now))
	// A pick already behind now on the same date rolls to the next day.
	assert.Equal(t, at(t, "2024-01-03 01:15"), FireTime(date(t, "2024-01-02"), Pick{Hour: 1, Minute: 15}, now))
	assert.Equal(t, at(t, "2024-01-05 09:05"), FireTime(date(t, "2024-01-05"), Pick{Hour: 9, Minute: 5}, now))
	// The after-midnight part of a wrapping window lands on the next date even
	// when the bare time of day is still ahead of now.
	early := at(t, "2024-01-02 01:30")
	assert.Equal(t, at(t, "2024-01-03 01:45"), FireTime(date(t, "2024-01-02"), Pick{Hour: 1, Minute: 45, DayOffset: 1}, early))
}
