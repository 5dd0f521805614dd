// Package keepalive emits a periodic liveness pulse while the scheduler runs.
//
// Under systemd the pulse is a WATCHDOG=1 notification, so a wedged
// scheduler gets restarted. The pulse carries no scheduling meaning.
package keepalive

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	logx "reportsched/pkg/logx"
)

const DefaultInterval = 60 * time.Second

// Pulse is one keep-alive action.
type Pulse func(ctx context.Context) error

type Option func(*Ticker)

func WithClock(c clockwork.Clock) Option { return func(t *Ticker) { t.clock = c } }

func WithLogger(l logx.Logger) Option { return func(t *Ticker) { t.log = l } }

func WithPulse(p Pulse) Option { return func(t *Ticker) { t.pulse = p } }

type Ticker struct {
	interval time.Duration
	clock    clockwork.Clock
	log      logx.Logger
	pulse    Pulse
	notify   func(state string) (bool, error)
}

// New builds a ticker. A systemd watchdog timeout, when set, tightens the
// interval to half of it.
func New(interval time.Duration, opts ...Option) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Ticker{
		interval: interval,
		clock:    clockwork.NewRealClock(),
		log:      logx.Nop(),
		notify:   sdNotify,
	}
	for _, o := range opts {
		o(t)
	}
	if t.pulse == nil {
		t.pulse = t.platformPulse
	}
	if wd := watchdogInterval(); wd > 0 && wd/2 < t.interval {
		t.interval = wd / 2
	}
	return t
}

func (t *Ticker) Interval() time.Duration { return t.interval }

// Run pulses every interval until ctx ends. Pulse errors are logged only.
func (t *Ticker) Run(ctx context.Context) error {
	tk := t.clock.NewTicker(t.interval)
	defer tk.Stop()
	t.log.Debug("keep-alive started", logx.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.Chan():
			if err := t.pulse(ctx); err != nil {
				t.log.Warn("keep-alive pulse failed", logx.Err(err))
			}
		}
	}
}

// Ready tells the service manager startup finished.
func (t *Ticker) Ready() { t.send(sdReady) }

// Stopping tells the service manager shutdown began.
func (t *Ticker) Stopping() { t.send(sdStopping) }

func (t *Ticker) send(state string) {
	sent, err := t.notify(state)
	if err != nil {
		t.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		t.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
