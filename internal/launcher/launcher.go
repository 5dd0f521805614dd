// Package launcher starts job bodies as detached subprocesses.
//
// A launch returns as soon as the process has started; the exit is reaped in
// the background. Each process gets its own process group so shutdown can
// take down the whole tree.
package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"reportsched/internal/registry"
	logx "reportsched/pkg/logx"
)

const (
	EnvJobKey = "REPORTSCHED_JOB_KEY"
	EnvTaskID = "REPORTSCHED_TASK_ID"
)

// DefaultCommand runs the report worker from its project directory.
const DefaultCommand = "poetry run python main.py"

var ErrNoCommand = errors.New("launcher command is empty")

type Config struct {
	// Command is shell-quoted; job args are appended to it.
	Command string
	Workdir string
	// LogDir receives one append-only log per job; empty discards output.
	LogDir string
	Env    map[string]string
}

// ExitFunc observes a reaped process. err is nil on a zero exit status.
type ExitFunc func(def registry.Definition, taskID string, err error)

type Option func(*Launcher)

func WithLogger(l logx.Logger) Option { return func(x *Launcher) { x.log = l } }

func WithOnExit(fn ExitFunc) Option { return func(x *Launcher) { x.onExit = fn } }

type proc struct {
	cmd    *exec.Cmd
	def    registry.Definition
	taskID string
	start  time.Time
}

type Launcher struct {
	argv   []string
	cfg    Config
	log    logx.Logger
	onExit ExitFunc

	mu    sync.Mutex
	procs map[int]*proc
	wg    sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Launcher, error) {
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, errors.Wrap(err, "parse launcher.command")
	}
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	l := &Launcher{argv: argv, cfg: cfg, log: logx.Nop(), procs: map[int]*proc{}}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Argv returns the full command line for def.
func (l *Launcher) Argv(def registry.Definition) []string {
	out := make([]string, 0, len(l.argv)+len(def.Args))
	out = append(out, l.argv...)
	return append(out, def.Args...)
}

// Launch starts def's job body and returns its pid without waiting for it.
// The process is not tied to ctx; it survives until it exits or TerminateAll.
func (l *Launcher) Launch(ctx context.Context, def registry.Definition, taskID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	argv := l.Argv(def)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.cfg.Workdir
	cmd.Env = l.environ(def, taskID)
	setProcAttr(cmd)

	out, err := l.openLog(def)
	if err != nil {
		return 0, err
	}
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		closeQuiet(out)
		return 0, errors.Wrapf(err, "start %s", def.Key)
	}
	pid := cmd.Process.Pid
	p := &proc{cmd: cmd, def: def, taskID: taskID, start: time.Now()}

	l.mu.Lock()
	l.procs[pid] = p
	l.mu.Unlock()

	l.log.Info("job launched", logx.String("key", def.Key), logx.Int("pid", pid), logx.String("task_id", taskID))

	l.wg.Add(1)
	go l.reap(pid, p, out)
	return pid, nil
}

func (l *Launcher) reap(pid int, p *proc, out *os.File) {
	defer l.wg.Done()
	err := p.cmd.Wait()
	closeQuiet(out)

	l.mu.Lock()
	delete(l.procs, pid)
	l.mu.Unlock()

	fields := []logx.Field{
		logx.String("key", p.def.Key),
		logx.Int("pid", pid),
		logx.Duration("took", time.Since(p.start)),
	}
	if err != nil {
		l.log.Warn("job exited with error", append(fields, logx.Err(err))...)
	} else {
		l.log.Info("job exited", fields...)
	}
	if l.onExit != nil {
		l.onExit(p.def, p.taskID, err)
	}
}

func (l *Launcher) environ(def registry.Definition, taskID string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(l.cfg.Env))
	for k := range l.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+l.cfg.Env[k])
	}
	return append(env, EnvJobKey+"="+def.Key, EnvTaskID+"="+taskID)
}

func (l *Launcher) openLog(def registry.Definition) (*os.File, error) {
	if l.cfg.LogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.cfg.LogDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	path := filepath.Join(l.cfg.LogDir, def.LogName()+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open job log %s", path)
	}
	return f, nil
}

// Running returns the number of launched processes not yet reaped.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// TerminateAll signals every launched process tree. Failures are logged and
// returned joined; nothing is retried.
func (l *Launcher) TerminateAll() error {
	l.mu.Lock()
	procs := make(map[int]*proc, len(l.procs))
	for pid, p := range l.procs {
		procs[pid] = p
	}
	l.mu.Unlock()

	var errs []error
	for pid, p := range procs {
		if err := terminate(p.cmd.Process); err != nil {
			l.log.Warn("terminate failed", logx.String("key", p.def.Key), logx.Int("pid", pid), logx.Err(err))
			errs = append(errs, errors.Wrapf(err, "pid %d", pid))
			continue
		}
		l.log.Info("job terminated", logx.String("key", p.def.Key), logx.Int("pid", pid))
	}
	return errors.Join(errs...)
}

// Wait blocks until every launched process has been reaped or ctx ends.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeQuiet(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
