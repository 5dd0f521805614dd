package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"reportsched/internal/config"
	"reportsched/internal/guard"
	"reportsched/internal/guard/liveness"
	"reportsched/internal/launcher"
	"reportsched/internal/notifier"
	"reportsched/internal/observability/status"
	"reportsched/internal/reporter"
	"reportsched/internal/storage"
	kit "reportsched/internal/transport"
	logx "reportsched/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler.timezone %q", tz)
	}
	return loc, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget is the chat receiving forwarded log records. The logging thread
// overrides the report thread when set.
func logTarget(cfg *config.Config) kit.ChatTarget {
	to := kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
	if cfg.Logging.Telegram.ThreadID != 0 {
		to.ThreadID = cfg.Logging.Telegram.ThreadID
	}
	return to
}

func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{
		Driver:   driver,
		Path:     strings.TrimSpace(sc.Path),
		DSN:      strings.TrimSpace(sc.DSN),
		Location: loc,
	}
	switch driver {
	case "file":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, false, errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, false, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
		Target:          kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
	}
	if cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	// Failure reports go out at most once unless retries are asked for.
	out.RetryMax = n.RetryMax
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapGuardOptions(cfg *config.Config, log logx.Logger) ([]guard.Option, error) {
	poll, err := config.ParseDurationOrDefault("guard.poll_interval", cfg.Guard.PollInterval, guard.DefaultPollInterval)
	if err != nil {
		return nil, err
	}
	maxWait, err := config.ParseDurationOrDefault("guard.max_wait", cfg.Guard.MaxWait, 0)
	if err != nil {
		return nil, err
	}
	return []guard.Option{
		guard.WithPollInterval(poll),
		guard.WithMaxWait(maxWait),
		guard.WithLogger(log),
	}, nil
}

// processFlag is the argument name the process-table liveness check scans
// for. Jobs must carry their user id under the same name.
func processFlag(cfg *config.Config) string {
	if f := strings.TrimSpace(cfg.Guard.ProcessFlag); f != "" {
		return f
	}
	return liveness.DefaultFlag
}

func mapLauncherConfig(cfg *config.Config) launcher.Config {
	cmd := strings.TrimSpace(cfg.Launcher.Command)
	if cmd == "" {
		cmd = launcher.DefaultCommand
	}
	return launcher.Config{
		Command: cmd,
		Workdir: strings.TrimSpace(cfg.Launcher.Workdir),
		LogDir:  strings.TrimSpace(cfg.Launcher.LogDir),
		Env:     cfg.Launcher.Env,
	}
}

func mapReporterConfig(cfg *config.Config) (reporter.Config, error) {
	interval, err := config.ParseDurationOrDefault("reporter.interval", cfg.Reporter.Interval, reporter.DefaultInterval)
	if err != nil {
		return reporter.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("reporter.window", cfg.Reporter.Window, reporter.DefaultWindow)
	if err != nil {
		return reporter.Config{}, err
	}
	return reporter.Config{Interval: interval, Window: window}, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	out := status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		IdleTimeout:   time.Minute,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second); err != nil {
		return status.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 40*time.Second); err != nil {
		return status.Config{}, err
	}
	return out, nil
}
