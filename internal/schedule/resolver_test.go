package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWindow(t *testing.T, start, end string) Window {
	t.Helper()
	w, err := ParseWindow(start, end)
	require.NoError(t, err)
	return w
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	require.NoError(t, err)
	return ts
}

func TestParseWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		start   string
		end     string
		width   int
		wraps   bool
		wantErr bool
	}{
		{name: "plain", start: "09:00", end: "11:00", width: 120},
		{name: "wraps midnight", start: "22:00", end: "02:00", width: 240, wraps: true},
		{name: "full day", start: "06:00", end: "06:00", width: 1440, wraps: true},
		{name: "too narrow", start: "09:00", end: "09:01", wantErr: true},
		{name: "bad hour", start: "24:00", end: "01:00", wantErr: true},
		{name: "bad format", start: "9", end: "10:00", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, err := ParseWindow(tt.start, tt.end)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.width, w.Width())
			assert.Equal(t, tt.wraps, w.Wraps())
		})
	}
}

func TestResolveBeforeWindowPicksInside(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(1)))
	w := mustWindow(t, "09:00", "11:00")
	now := at(t, "2024-01-02 08:00")

	for i := 0; i < 500; i++ {
		p, ok := r.Resolve([]Window{w}, now, nil, false)
		require.True(t, ok)
		m := p.TimeOfDay()
		assert.Greater(t, int(m), int(w.Start))
		assert.Less(t, int(m), int(w.End))
	}
}

func TestResolvePickStaysInsideWindow(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	r := NewResolver(rand.New(rand.NewSource(7)))
	day := at(t, "2024-03-10 00:00")

	for i := 0; i < 2000; i++ {
		start := TimeOfDay(rng.Intn(minutesPerDay))
		end := TimeOfDay(rng.Intn(minutesPerDay))
		w := Window{Start: start, End: end}
		if w.Width() < MinWindowWidth {
			continue
		}
		now := day.Add(time.Duration(rng.Intn(minutesPerDay)) * time.Minute)
		last := now.AddDate(0, 0, -1)

		p, ok := r.Resolve([]Window{w}, now, &last, false)
		if !ok {
			continue
		}
		m := p.TimeOfDay()
		assert.True(t, w.Contains(m) && m != w.End, "pick %s outside [%s)", m, w)
		if w.Inside(TimeOf(now)) {
			assert.Greater(t, w.unwrap(m), w.unwrap(TimeOf(now)), "pick %s not after now %s in %s", m, TimeOf(now), w)
		}
	}
}

func TestResolveSkipsWindowAlreadyRunToday(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(3)))
	morning := mustWindow(t, "09:00", "11:00")
	evening := mustWindow(t, "18:00", "20:00")
	now := at(t, "2024-01-02 09:30")
	last := at(t, "2024-01-02 09:10")

	for i := 0; i < 200; i++ {
		p, ok := r.Resolve([]Window{morning, evening}, now, &last, false)
		require.True(t, ok)
		assert.True(t, evening.Contains(p.TimeOfDay()), "pick %s should come from evening window", p)
	}

	_, ok := r.Resolve([]Window{morning}, now, &last, false)
	assert.False(t, ok)
}

func TestResolveLastRunOnOtherDayIsIgnored(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(3)))
	w := mustWindow(t, "09:00", "11:00")
	now := at(t, "2024-01-02 08:00")
	last := at(t, "2024-01-01 09:10")

	_, ok := r.Resolve([]Window{w}, now, &last, false)
	assert.True(t, ok)
}

func TestResolveCatchUpInsideWindow(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(5)))
	w := mustWindow(t, "09:00", "11:00")
	now := at(t, "2024-01-02 10:30")

	for i := 0; i < 200; i++ {
		p, ok := r.Resolve([]Window{w}, now, nil, false)
		require.True(t, ok)
		assert.Greater(t, int(p.TimeOfDay()), int(TimeOf(now)))
		assert.Less(t, int(p.TimeOfDay()), int(w.End))
	}
}

func TestResolvePastWindowReturnsNone(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(5)))
	w := mustWindow(t, "09:00", "11:00")

	_, ok := r.Resolve([]Window{w}, at(t, "2024-01-02 11:30"), nil, false)
	assert.False(t, ok)

	// One minute before the end leaves no strictly-inside minute.
	_, ok = r.Resolve([]Window{w}, at(t, "2024-01-02 10:59"), nil, false)
	assert.False(t, ok)
}

func TestResolveWrappingWindow(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(9)))
	w := mustWindow(t, "22:00", "02:00")

	t.Run("after midnight", func(t *testing.T) {
		now := at(t, "2024-01-02 01:00")
		for i := 0; i < 200; i++ {
			p, ok := r.Resolve([]Window{w}, now, nil, false)
			require.True(t, ok)
			m := p.TimeOfDay()
			assert.True(t, m > TimeOf(now) && m < w.End, "pick %s", m)
		}
	})
	t.Run("before start", func(t *testing.T) {
		now := at(t, "2024-01-02 12:00")
		for i := 0; i < 200; i++ {
			p, ok := r.Resolve([]Window{w}, now, nil, false)
			require.True(t, ok)
			m := p.TimeOfDay()
			assert.True(t, m > w.Start || m < w.End, "pick %s", m)
		}
	})
}

func TestResolveWrappingWindowOccurrences(t *testing.T) {
	t.Parallel()
	w := mustWindow(t, "22:00", "02:00")
	tests := []struct {
		name    string
		now     string
		last    string
		tonight bool
	}{
		// The 01:30 run belongs to the occurrence that opened yesterday.
		{name: "tail run leaves tonight open", now: "2024-01-02 01:30", last: "2024-01-02 01:30", tonight: true},
		{name: "run late yesterday closes the tail", now: "2024-01-02 01:00", last: "2024-01-01 23:10", tonight: true},
		{name: "tail still open", now: "2024-01-02 01:00", last: "2024-01-01 01:10", tonight: false},
		{name: "afternoon after tail run", now: "2024-01-02 15:00", last: "2024-01-02 00:30", tonight: true},
	}
	for i, tt := range tests {
		tt := tt
		seed := int64(i)
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(rand.New(rand.NewSource(seed)))
			now := at(t, tt.now)
			last := at(t, tt.last)
			for n := 0; n < 100; n++ {
				p, ok := r.Resolve([]Window{w}, now, &last, false)
				require.True(t, ok)
				m := p.TimeOfDay()
				if tt.tonight {
					assert.True(t, m > w.Start || m < w.End, "pick %s", m)
					assert.Equal(t, m < w.End, p.DayOffset == 1, "pick %s offset %d", m, p.DayOffset)
				} else {
					assert.True(t, m > TimeOf(now) && m < w.End, "pick %s", m)
					assert.Zero(t, p.DayOffset)
				}
			}
		})
	}
}

func TestResolveSameWindowRunTonightIsSkipped(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(4)))
	w := mustWindow(t, "22:00", "02:00")
	now := at(t, "2024-01-02 23:00")
	last := at(t, "2024-01-02 22:30")

	_, ok := r.Resolve([]Window{w}, now, &last, false)
	assert.False(t, ok)
}

func TestResolveFirstUsesOnlyFirstWindow(t *testing.T) {
	t.Parallel()
	r := NewResolver(rand.New(rand.NewSource(11)))
	first := mustWindow(t, "09:00", "11:00")
	second := mustWindow(t, "18:00", "20:00")
	// now is past the first window; with first set that does not matter.
	now := at(t, "2024-01-02 19:00")
	last := at(t, "2024-01-02 09:30")

	for i := 0; i < 200; i++ {
		p, ok := r.Resolve([]Window{first, second}, now, &last, true)
		require.True(t, ok)
		assert.True(t, first.Inside(p.TimeOfDay()), "pick %s", p)
	}
}

func TestResolveNoWindows(t *testing.T) {
	t.Parallel()
	_, ok := NewResolver(nil).Resolve(nil, time.Now(), nil, false)
	assert.False(t, ok)
}
