package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsched/internal/eventbus"
	kit "reportsched/internal/transport"
	logx "reportsched/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	texts    []string
	fails    int
	attempts int
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
		Target:        kit.ChatTarget{ChatID: 99},
	}
}

func startService(t *testing.T, cfg Config, snd kit.Sender, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, snd, logx.Nop(), bus, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDeliversToDefaultTarget(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, testConfig(), snd, nil)

	require.NoError(t, s.Notify(context.Background(), "task_id: 1"))
	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "task_id: 1", snd.sent()[0])
	assert.Len(t, s.Snapshot(), 1)
}

func TestNotifySuppressesDuplicates(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	bus := eventbus.New()
	deduped, unsub := bus.Subscribe(4, "notifier.deduped")
	defer unsub()
	s := startService(t, testConfig(), snd, bus)

	require.NoError(t, s.Notify(context.Background(), "same"))
	require.NoError(t, s.Notify(context.Background(), "same"))
	require.NoError(t, s.Notify(context.Background(), "other"))

	require.Eventually(t, func() bool { return len(snd.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, deduped, 1)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	s := startService(t, testConfig(), snd, nil)

	require.NoError(t, s.Notify(context.Background(), "retry me"))
	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 10}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, "notifier.failed")
	defer unsub()
	s := startService(t, testConfig(), snd, bus)

	require.NoError(t, s.Notify(context.Background(), "doomed"))
	select {
	case e := <-failed:
		assert.Contains(t, e.Data.(NotificationEvent).Error, "502")
	case <-time.After(time.Second):
		t.Fatal("no notifier.failed event")
	}
	assert.Empty(t, snd.sent())
}

func TestSendWithoutRetriesTriesOnce(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 1}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, "notifier.failed")
	defer unsub()
	cfg := testConfig()
	cfg.RetryMax = 0
	s := startService(t, cfg, snd, bus)

	require.NoError(t, s.Notify(context.Background(), "once"))
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("no notifier.failed event")
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	assert.Equal(t, 1, snd.attempts)
	assert.Empty(t, snd.texts)
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), "x"), ErrDisabled)

	cfg = testConfig()
	cfg.Target = kit.ChatTarget{}
	s = New(cfg, &fakeSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), "x"), ErrNoTarget)

	s = New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), "x"), ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestPrefixForPriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", prefixForPriority(0))
	assert.NotEmpty(t, prefixForPriority(9))
}
