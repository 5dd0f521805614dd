package schedule

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Pick is a resolved trigger time of day.
type Pick struct {
	Hour   int
	Minute int
	// DayOffset is 1 when the pick falls past midnight of the reference day,
	// inside a window that wraps.
	DayOffset int
}

func (p Pick) TimeOfDay() TimeOfDay { return TimeOfDay(p.Hour*60 + p.Minute) }

func (p Pick) String() string { return p.TimeOfDay().String() }

// Resolver draws randomized trigger times inside operator-approved windows.
// It is safe for concurrent use.
type Resolver struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewResolver returns a resolver backed by rng. A nil rng seeds from the wall clock.
func NewResolver(rng *rand.Rand) *Resolver {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Resolver{rng: rng}
}

// Resolve returns a pick for the first usable window, or false when no window
// can still fire.
//
// With first set only windows[0] is considered and the pick is drawn from its
// start, ignoring both now and last; callers use this once the run date has
// already moved past today.
//
// Each window is evaluated per occurrence: the one starting on now's date and,
// for a window that wraps midnight, the one that started the day before and is
// still open. An occurrence is skipped when last falls inside it or when now is
// already past it. Yesterday's tail is tried before any of today's
// occurrences. If now lies strictly inside an occurrence the pick is drawn
// after now. Picks always fall strictly after their anchor and strictly before
// the occurrence end.
func (r *Resolver) Resolve(windows []Window, now time.Time, last *time.Time, first bool) (Pick, bool) {
	if len(windows) == 0 {
		return Pick{}, false
	}
	if first {
		w := windows[0]
		return r.draw(int(w.Start), int(w.Start)+w.Width())
	}
	cur := int(TimeOf(now))
	lastMin, haveLast := 0, false
	if last != nil {
		lastMin, haveLast = minutesFrom(DateOf(now), last.In(now.Location())), true
	}
	for _, day := range []int{-1, 0} {
		for _, w := range windows {
			start := int(w.Start) + day*minutesPerDay
			end := start + w.Width()
			if cur >= end {
				continue
			}
			if haveLast && lastMin >= start && lastMin <= end {
				continue
			}
			anchor := start
			if cur > start {
				anchor = cur
			}
			if p, ok := r.draw(anchor, end); ok {
				return p, true
			}
		}
	}
	return Pick{}, false
}

// draw picks a minute strictly inside (anchor, end) on the minute axis
// relative to midnight of the reference day.
func (r *Resolver) draw(anchor, end int) (Pick, bool) {
	room := end - anchor
	if room < MinWindowWidth {
		return Pick{}, false
	}
	m := anchor + r.intn(room-1) + 1
	day := m / minutesPerDay
	m %= minutesPerDay
	return Pick{Hour: m / 60, Minute: m % 60, DayOffset: day}, true
}

// intn returns a value in [0, n).
func (r *Resolver) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// minutesFrom returns t as minutes after midnight of day, counting whole
// calendar days so DST shifts do not move it off its wall-clock minute.
func minutesFrom(day, t time.Time) int {
	d := DateOf(t)
	days := int(math.Round(d.Sub(day).Hours() / 24))
	return days*minutesPerDay + int(TimeOf(t))
}
