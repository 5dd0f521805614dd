// Package engine drives job firing.
//
// Every enabled job holds exactly one one-shot cron entry. When it fires the
// engine takes the exclusivity guard, launches the job body, and immediately
// plans the next firing from the launch time. Completion of the subprocess
// never feeds back into scheduling.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"reportsched/internal/eventbus"
	"reportsched/internal/guard"
	"reportsched/internal/registry"
	"reportsched/internal/schedule"
	"reportsched/internal/storage"
	logx "reportsched/pkg/logx"
)

type State string

const (
	StateIdle        State = "idle"
	StateFiring      State = "firing"
	StateRescheduled State = "rescheduled"
)

var (
	ErrStarted = errors.New("engine already started")
	ErrStopped = errors.New("engine stopped")
)

type Launcher interface {
	Launch(ctx context.Context, def registry.Definition, taskID string) (pid int, err error)
	TerminateAll() error
}

type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type History interface {
	LastRun(ctx context.Context, f storage.Filter) (time.Time, error)
}

// Deps wires an Engine. History, Tracker, Bus, Clock and Log are optional.
type Deps struct {
	Registry *registry.Registry
	Planner  *schedule.Planner
	Guard    Guard
	Launcher Launcher
	History  History
	Tracker  guard.Tracker
	Bus      eventbus.Bus
	Clock    clockwork.Clock
	Log      logx.Logger
}

// JobState is the externally visible state of one scheduled job.
type JobState struct {
	Key        string    `json:"key"`
	State      State     `json:"state"`
	NextFireAt time.Time `json:"next_fire_at"`
	Pick       string    `json:"pick"`
	LastRun    time.Time `json:"last_run,omitempty"`
	Fires      int       `json:"fires"`
}

// Planned is an initial plan computed from history.
type Planned struct {
	Def     registry.Definition
	LastRun *time.Time
	Plan    schedule.Plan
}

type job struct {
	def     registry.Definition
	entry   cron.EntryID
	state   State
	next    time.Time
	pick    schedule.Pick
	lastRun time.Time
	fires   int
	// exited is set when the launched process is reaped before the reschedule.
	exited bool
}

type Engine struct {
	d   Deps
	log logx.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*job
	order   []string
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	stopped bool
	inFire  sync.WaitGroup
}

func New(d Deps) (*Engine, error) {
	switch {
	case d.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case d.Planner == nil:
		return nil, errors.New("engine: planner is required")
	case d.Guard == nil:
		return nil, errors.New("engine: guard is required")
	case d.Launcher == nil:
		return nil, errors.New("engine: launcher is required")
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Engine{d: d, log: d.Log.With(logx.String("comp", "engine")), jobs: map[string]*job{}}, nil
}

// InitialPlans plans every enabled job from its last recorded run.
func (e *Engine) InitialPlans(ctx context.Context) []Planned {
	return PlanAll(ctx, e.d.Registry, e.d.Planner, e.d.History, e.d.Clock.Now(), e.log)
}

// PlanAll computes the initial plan of every enabled job in reg. A history
// error is logged and the job is planned as never run. hist may be nil.
func PlanAll(ctx context.Context, reg *registry.Registry, p *schedule.Planner, hist History, now time.Time, log logx.Logger) []Planned {
	defs := reg.Enabled()
	out := make([]Planned, 0, len(defs))
	for _, def := range defs {
		last := lastRun(ctx, hist, def, log)
		out = append(out, Planned{Def: def, LastRun: last, Plan: p.Initial(def.Spec, now, last)})
	}
	return out
}

func lastRun(ctx context.Context, hist History, def registry.Definition, log logx.Logger) *time.Time {
	if hist == nil {
		return nil
	}
	t, err := hist.LastRun(ctx, storage.Filter{UserID: def.UserID, Service: def.Service, Category: def.Category})
	if err != nil {
		if !errors.Is(err, storage.ErrNoRun) {
			log.Warn("last run lookup failed; planning as never run", logx.String("key", def.Key), logx.Err(err))
		}
		return nil
	}
	return &t
}

// Start plans and programs every enabled job, then starts the trigger loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.running {
		e.mu.Unlock()
		return ErrStarted
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.cron = cron.New(
		cron.WithLocation(e.d.Planner.Location()),
		cron.WithLogger(cronLogger{log: e.log}),
	)
	e.mu.Unlock()

	plans := e.InitialPlans(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range plans {
		j := &job{def: p.Def, state: StateIdle}
		if p.LastRun != nil {
			j.lastRun = *p.LastRun
		}
		e.jobs[p.Def.Key] = j
		e.order = append(e.order, p.Def.Key)
		e.programLocked(j, p.Plan)
		e.log.Info("job scheduled",
			logx.String("key", p.Def.Key),
			logx.String("recurrence", string(p.Def.Spec.Recurrence)),
			logx.Time("next_fire_at", p.Plan.At))
	}
	e.cron.Start()
	e.log.Info("engine started", logx.Int("jobs", len(plans)), logx.String("tz", e.d.Planner.Location().String()))
	return nil
}

// programLocked swaps j's cron entry for one firing at plan.At. Removal and
// insertion happen under e.mu, so no observer sees a job with zero or two entries.
func (e *Engine) programLocked(j *job, plan schedule.Plan) {
	if j.entry != 0 {
		e.cron.Remove(j.entry)
	}
	key := j.def.Key
	j.entry = e.cron.Schedule(onceSchedule{at: plan.At}, cron.FuncJob(func() { e.trigger(key) }))
	j.next = plan.At
	j.pick = plan.Pick
}

func (e *Engine) trigger(key string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.inFire.Add(1)
	e.mu.Unlock()
	defer e.inFire.Done()
	e.fire(ctx, key)
}

func (e *Engine) fire(ctx context.Context, key string) {
	e.mu.Lock()
	j, ok := e.jobs[key]
	if !ok || e.stopped {
		e.mu.Unlock()
		return
	}
	j.state = StateFiring
	j.exited = false
	def := j.def
	e.mu.Unlock()

	log := e.log.With(logx.String("key", key))
	ev := newEvent(def)
	launched := false

	release, err := e.d.Guard.Acquire(ctx, def.LockKey())
	switch {
	case err == nil:
		ev.TaskID = uuid.NewString()
		ev.PID, err = e.launch(ctx, def, ev.TaskID)
		release()
		ev.At = e.d.Clock.Now()
		if err != nil {
			ev.Error = err.Error()
			log.Error("launch failed", logx.String("task_id", ev.TaskID), logx.Err(err))
			e.publish(EventLaunchFailed, ev)
		} else {
			launched = true
			e.publish(EventLaunched, ev)
		}
	case errors.Is(err, guard.ErrWaitExceeded):
		ev.TaskID = uuid.NewString()
		ev.At = e.d.Clock.Now()
		ev.Error = err.Error()
		log.Warn("launch skipped", logx.Err(err))
		e.publish(EventSkipped, ev)
	default:
		log.Debug("fire abandoned", logx.Err(err))
		e.setState(key, StateIdle)
		return
	}

	if ctx.Err() != nil {
		e.setState(key, StateIdle)
		return
	}

	// The launch time stands in for the last run, whatever the job's outcome.
	plan := e.d.Planner.AfterRun(def.Spec, ev.At)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	j.fires++
	j.lastRun = ev.At
	e.programLocked(j, plan)
	if launched && !j.exited {
		j.state = StateRescheduled
	} else {
		j.state = StateIdle
	}
	e.mu.Unlock()

	ev.NextFireAt = plan.At
	ev.Error = ""
	e.publish(EventRescheduled, ev)
	log.Info("job rescheduled", logx.Time("next_fire_at", plan.At), logx.String("pick", plan.Pick.String()))
}

func (e *Engine) launch(ctx context.Context, def registry.Definition, taskID string) (int, error) {
	id := def.LockKey()
	if e.d.Tracker != nil {
		if err := e.d.Tracker.Mark(ctx, id); err != nil {
			e.log.Warn("lease mark failed", logx.String("key", def.Key), logx.Err(err))
		}
	}
	pid, err := e.d.Launcher.Launch(ctx, def, taskID)
	if err != nil && e.d.Tracker != nil {
		if uerr := e.d.Tracker.Unmark(context.WithoutCancel(ctx), id); uerr != nil {
			e.log.Warn("lease unmark failed", logx.String("key", def.Key), logx.Err(uerr))
		}
	}
	return pid, err
}

// HandleExit is the launcher exit hook: it returns the job to idle, drops
// the lease and publishes the outcome.
func (e *Engine) HandleExit(def registry.Definition, taskID string, exitErr error) {
	e.mu.Lock()
	if j, ok := e.jobs[def.Key]; ok {
		switch j.state {
		case StateRescheduled:
			j.state = StateIdle
		case StateFiring:
			j.exited = true
		}
	}
	e.mu.Unlock()

	if e.d.Tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.d.Tracker.Unmark(ctx, def.LockKey()); err != nil {
			e.log.Warn("lease unmark failed", logx.String("key", def.Key), logx.Err(err))
		}
		cancel()
	}

	ev := newEvent(def)
	ev.TaskID = taskID
	ev.At = e.d.Clock.Now()
	if exitErr != nil {
		ev.Error = exitErr.Error()
	}
	e.publish(EventExited, ev)
}

func (e *Engine) setState(key string, s State) {
	e.mu.Lock()
	if j, ok := e.jobs[key]; ok {
		j.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) publish(typ string, ev JobEvent) {
	if e.d.Bus == nil {
		return
	}
	e.d.Bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func newEvent(def registry.Definition) JobEvent {
	return JobEvent{Key: def.Key, UserID: def.UserID, Service: def.Service, Category: def.Category}
}

// Snapshot lists jobs in declaration order.
func (e *Engine) Snapshot() []JobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]JobState, 0, len(e.order))
	for _, k := range e.order {
		j := e.jobs[k]
		out = append(out, JobState{
			Key:        k,
			State:      j.state,
			NextFireAt: j.next,
			Pick:       j.pick.String(),
			LastRun:    j.lastRun,
			Fires:      j.fires,
		})
	}
	return out
}

// Stop terminates launched job processes best-effort, then stops the
// trigger loop and waits for in-flight firings until ctx ends.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running || e.stopped {
		e.stopped = true
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, c := e.cancel, e.cron
	e.mu.Unlock()

	cancel()
	if err := e.d.Launcher.TerminateAll(); err != nil {
		e.log.Warn("terminate launched jobs", logx.Err(err))
	}
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		e.inFire.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "engine stop")
	}
}
