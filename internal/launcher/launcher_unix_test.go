//go:build !windows

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsched/internal/registry"
	logx "reportsched/pkg/logx"
)

type exit struct {
	def    registry.Definition
	taskID string
	err    error
}

func newTest(t *testing.T, cfg Config) (*Launcher, <-chan exit) {
	t.Helper()
	exits := make(chan exit, 4)
	l, err := New(cfg, WithLogger(logx.Nop()), WithOnExit(func(d registry.Definition, id string, err error) {
		exits <- exit{d, id, err}
	}))
	require.NoError(t, err)
	return l, exits
}

func waitExit(t *testing.T, exits <-chan exit) exit {
	t.Helper()
	select {
	case e := <-exits:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped")
		return exit{}
	}
}

func TestNewRejectsBadCommand(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Command: ""})
	assert.ErrorIs(t, err, ErrNoCommand)
	_, err = New(Config{Command: `python "main.py`})
	assert.Error(t, err)
}

func TestLaunchWritesJobLogAndEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, exits := newTest(t, Config{
		Command: `sh -c 'echo "$REPORTSCHED_JOB_KEY $REPORTSCHED_TASK_ID $REGION $0"'`,
		LogDir:  dir,
		Env:     map[string]string{"REGION": "eu"},
	})
	def := registry.Definition{Key: "user=1/service=sales", UserID: "1", Service: "sales", Args: []string{"--user=1"}}

	pid, err := l.Launch(context.Background(), def, "task-1")
	require.NoError(t, err)
	assert.Positive(t, pid)

	e := waitExit(t, exits)
	require.NoError(t, e.err)
	assert.Equal(t, "task-1", e.taskID)

	b, err := os.ReadFile(filepath.Join(dir, "1-sales.log"))
	require.NoError(t, err)
	assert.Equal(t, "user=1/service=sales task-1 eu --user=1\n", string(b))
	assert.Equal(t, 0, l.Running())
}

func TestLaunchReportsExitError(t *testing.T) {
	t.Parallel()
	l, exits := newTest(t, Config{Command: "sh -c 'exit 3'"})
	_, err := l.Launch(context.Background(), registry.Definition{Key: "k"}, "t")
	require.NoError(t, err)
	assert.Error(t, waitExit(t, exits).err)
}

func TestLaunchMissingBinary(t *testing.T) {
	t.Parallel()
	l, _ := newTest(t, Config{Command: "/nonexistent/reportsched-job"})
	_, err := l.Launch(context.Background(), registry.Definition{Key: "k"}, "t")
	assert.Error(t, err)
	assert.Equal(t, 0, l.Running())
}

func TestTerminateAllKillsProcessGroup(t *testing.T) {
	t.Parallel()
	l, exits := newTest(t, Config{Command: "sh -c 'sleep 30 & wait'"})
	_, err := l.Launch(context.Background(), registry.Definition{Key: "k"}, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Running())

	require.NoError(t, l.TerminateAll())
	assert.Error(t, waitExit(t, exits).err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
	assert.Equal(t, 0, l.Running())
}

func TestLaunchHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	l, _ := newTest(t, Config{Command: "true"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Launch(ctx, registry.Definition{Key: "k"}, "t")
	assert.ErrorIs(t, err, context.Canceled)
}
