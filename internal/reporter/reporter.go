// Package reporter forwards recently failed runs to operators.
package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"reportsched/internal/storage"
	logx "reportsched/pkg/logx"
)

const (
	DefaultInterval = time.Hour
	DefaultWindow   = time.Hour
)

type Source interface {
	FailedBetween(ctx context.Context, from, to time.Time) ([]storage.Run, error)
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Config struct {
	Interval time.Duration
	// Window is how far back each poll looks.
	Window time.Duration
}

type Option func(*Reporter)

func WithClock(c clockwork.Clock) Option { return func(r *Reporter) { r.clock = c } }

func WithLogger(l logx.Logger) Option { return func(r *Reporter) { r.log = l } }

// Reporter polls for failed runs and sends one message per run. Delivery is
// at-most-once: nothing is retried or acknowledged, so runs that stay inside
// the window across polls are reported again.
type Reporter struct {
	cfg   Config
	src   Source
	out   Notifier
	clock clockwork.Clock
	log   logx.Logger
}

func New(cfg Config, src Source, out Notifier, opts ...Option) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	r := &Reporter{cfg: cfg, src: src, out: out, clock: clockwork.NewRealClock(), log: logx.Nop()}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", "reporter"))
	return r
}

// Run polls immediately and then every interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	tk := r.clock.NewTicker(r.cfg.Interval)
	defer tk.Stop()
	for {
		if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("failed-run poll", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tk.Chan():
		}
	}
}

// PollOnce reports failed runs created in [now-Window, now] and returns how
// many notifications were accepted. Notify errors are logged, not returned.
func (r *Reporter) PollOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	runs, err := r.src.FailedBetween(ctx, now.Add(-r.cfg.Window), now)
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		r.log.Info("no failed runs", logx.Duration("window", r.cfg.Window))
		return 0, nil
	}
	sent := 0
	for _, run := range runs {
		if err := r.out.Notify(ctx, Format(run)); err != nil {
			r.log.Warn("failure notification not sent", logx.String("task_id", run.TaskID), logx.Err(err))
			continue
		}
		sent++
	}
	r.log.Info("failed runs reported", logx.Int("found", len(runs)), logx.Int("sent", sent))
	return sent, nil
}

// Format renders one failed run as the operator message.
func Format(r storage.Run) string {
	return fmt.Sprintf("task_id: %s\nuser_id: %s\nservice: %s\ncategory: %s\nstatus: %s\ncreated_at: %s",
		r.TaskID, r.UserID, r.Service, r.Category, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
}
