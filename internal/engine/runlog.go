package engine

import (
	"context"
	"time"

	"reportsched/internal/eventbus"
	"reportsched/internal/storage"
	logx "reportsched/pkg/logx"
)

// SkippedDescription is recorded when the guard gave up waiting on a previous run.
const SkippedDescription = "skipped: previous run still active"

type RunRecorder interface {
	RecordRun(ctx context.Context, r storage.Run) error
}

// RunLog writes launch outcomes to the task table so failures reach the
// failure reporter like any job-reported failure.
type RunLog struct {
	store RunRecorder
	log   logx.Logger
}

func NewRunLog(store RunRecorder, log logx.Logger) *RunLog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RunLog{store: store, log: log.With(logx.String("comp", "runlog"))}
}

// Run consumes job events until ctx ends or events is closed.
func (r *RunLog) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.Handle(ctx, e)
		}
	}
}

func (r *RunLog) Handle(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(JobEvent)
	if !ok || ev.TaskID == "" {
		return
	}
	run := storage.Run{
		TaskID:    ev.TaskID,
		UserID:    ev.UserID,
		Service:   ev.Service,
		Category:  ev.Category,
		CreatedAt: ev.At,
	}
	switch e.Type {
	case EventLaunched:
		run.Status = storage.StatusLaunched
	case EventLaunchFailed:
		run.Status = storage.StatusFailed
		run.Description = ev.Error
	case EventSkipped:
		run.Status = storage.StatusFailed
		run.Description = SkippedDescription
	case EventExited:
		// A clean exit leaves the row to the job body.
		if ev.Error == "" {
			return
		}
		run.Status = storage.StatusFailed
		run.Description = "exit: " + ev.Error
	default:
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.RecordRun(cctx, run); err != nil {
		r.log.Error("record run failed", logx.String("task_id", run.TaskID), logx.String("status", run.Status), logx.Err(err))
		return
	}
	r.log.Debug("run recorded", logx.String("task_id", run.TaskID), logx.String("status", run.Status))
}
