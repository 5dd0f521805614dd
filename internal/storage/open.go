package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "reportsched/pkg/logx"
)

// Store is the persistence API used by the scheduler, the reporter and the notifier.
type Store interface {
	// LastRun returns the newest created_at among runs matching f, or ErrNoRun.
	LastRun(ctx context.Context, f Filter) (time.Time, error)
	// FailedBetween returns failed runs created in [from, to], oldest first.
	FailedBetween(ctx context.Context, from, to time.Time) ([]Run, error)
	// RecordRun upserts on TaskID; an existing row keeps its created_at.
	RecordRun(ctx context.Context, r Run) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
