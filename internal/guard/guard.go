// Package guard keeps two runs of the same seller from overlapping.
//
// Each lock key owns one in-process mutex. Holding it is not enough on its
// own: jobs run as detached subprocesses that outlive scheduler restarts, so
// after taking the mutex the guard polls a Liveness predicate until the
// previous run is gone.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	logx "reportsched/pkg/logx"
)

// ErrWaitExceeded means the previous run was still alive after MaxWait.
var ErrWaitExceeded = errors.New("previous run still active")

const DefaultPollInterval = 60 * time.Second

// Liveness reports whether a run for id is still active somewhere.
type Liveness interface {
	Running(ctx context.Context, id string) (bool, error)
}

// Tracker records runs so a Liveness elsewhere can see them.
type Tracker interface {
	Mark(ctx context.Context, id string) error
	Unmark(ctx context.Context, id string) error
}

type Option func(*Guard)

func WithPollInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.poll = d
		}
	}
}

// WithMaxWait bounds the liveness wait; 0 waits forever.
func WithMaxWait(d time.Duration) Option { return func(g *Guard) { g.maxWait = max(d, 0) } }

func WithClock(c clockwork.Clock) Option { return func(g *Guard) { g.clock = c } }

func WithLogger(l logx.Logger) Option { return func(g *Guard) { g.log = l } }

type Guard struct {
	live    Liveness
	clock   clockwork.Clock
	log     logx.Logger
	poll    time.Duration
	maxWait time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New builds a guard whose lock table starts with keys. Unknown keys get a
// lock on first use; entries are never removed.
func New(keys []string, live Liveness, opts ...Option) *Guard {
	g := &Guard{
		live:  live,
		clock: clockwork.NewRealClock(),
		log:   logx.Nop(),
		poll:  DefaultPollInterval,
		locks: make(map[string]chan struct{}, len(keys)),
	}
	for _, o := range opts {
		o(g)
	}
	for _, k := range keys {
		g.locks[k] = make(chan struct{}, 1)
	}
	return g
}

func (g *Guard) lockFor(key string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		g.locks[key] = l
	}
	return l
}

// Keys returns the number of lock entries.
func (g *Guard) Keys() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

// Acquire takes key's mutex, then waits until Liveness reports no active run.
// Liveness errors count as "not running". On success the caller must call
// release exactly once.
func (g *Guard) Acquire(ctx context.Context, key string) (release func(), err error) {
	l := g.lockFor(key)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	release = func() { once.Do(func() { <-l }) }

	if err := g.waitIdle(ctx, key); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (g *Guard) waitIdle(ctx context.Context, key string) error {
	if g.live == nil {
		return nil
	}
	start := g.clock.Now()
	for attempt := 1; ; attempt++ {
		running, err := g.live.Running(ctx, key)
		if err != nil {
			g.log.Warn("liveness check failed; assuming not running", logx.String("key", key), logx.Err(err))
			return nil
		}
		if !running {
			return nil
		}
		waited := g.clock.Since(start)
		if g.maxWait > 0 && waited >= g.maxWait {
			return errors.Wrapf(ErrWaitExceeded, "%s after %s", key, waited)
		}
		g.log.Info("previous run still active; waiting",
			logx.String("key", key), logx.Int("attempt", attempt), logx.Duration("poll", g.poll))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(g.poll):
		}
	}
}
