package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// Validate checks process-wide settings. Problems in individual jobs are not
// reported here; the job registry skips those jobs on its own.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(errors.Wrapf(err, "scheduler.timezone: invalid %q", tz))
		}
	}
	for path, raw := range map[string]string{
		"telegram.timeout":              cfg.Telegram.Timeout,
		"scheduler.keep_alive_interval": cfg.Scheduler.KeepAliveInterval,
		"scheduler.shutdown_timeout":    cfg.Scheduler.ShutdownTimeout,
		"guard.poll_interval":           cfg.Guard.PollInterval,
		"guard.max_wait":                cfg.Guard.MaxWait,
		"guard.redis.ttl":               cfg.Guard.Redis.TTL,
		"reporter.interval":             cfg.Reporter.Interval,
		"reporter.window":               cfg.Reporter.Window,
		"status.read_timeout":           cfg.Status.ReadTimeout,
		"status.write_timeout":          cfg.Status.WriteTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: workers, queue_size and retry_max must be >= 0"))
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "sqlite", "sqlite3", "file":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.Newf("storage.path is required when storage.driver=%s", s.Driver))
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				add(errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			add(errors.Newf("unknown storage.driver: %s", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}
	if cmd := strings.TrimSpace(cfg.Launcher.Command); cmd != "" {
		if _, err := shellquote.Split(cmd); err != nil {
			add(errors.Wrap(err, "launcher.command"))
		}
	}
	if cfg.Guard.Redis.Enabled && strings.TrimSpace(cfg.Guard.Redis.URL) == "" {
		add(errors.New("guard.redis.url is required when guard.redis.enabled=true"))
	}
	return errors.Join(errs...)
}
