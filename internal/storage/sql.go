package storage

import (
	"context"
	"database/sql"
	"embed"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "reportsched/pkg/logx"
)

//go:embed migrations_*.sql
var migrationsFS embed.FS

// dialect holds the driver-specific bits of sqlStore.
type dialect struct {
	name      string
	migration string

	lastRun       string
	failedBetween string
	upsertRun     string
	putDedup      string
	getDedup      string
	pruneDedup    string

	// timeArg converts a created_at bound into a driver argument.
	timeArg func(t time.Time, loc *time.Location) any
}

// sqlStore implements Store over database/sql for both SQL drivers.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	loc *time.Location
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, loc *time.Location, log logx.Logger) *sqlStore {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, loc: loc, log: log, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrapf(err, "%s: migrate", s.d.name)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LastRun(ctx context.Context, f Filter) (time.Time, error) {
	if s == nil || s.db == nil {
		return time.Time{}, ErrDisabled
	}
	var raw any
	err := s.db.QueryRowContext(ctx, s.d.lastRun, f.UserID, f.Service, f.Category).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoRun
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "%s: last run", s.d.name)
	}
	return s.decodeTime(raw)
}

func (s *sqlStore) FailedBetween(ctx context.Context, from, to time.Time) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.d.failedBetween, StatusFailed, s.d.timeArg(from, s.loc), s.d.timeArg(to, s.loc))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed runs", s.d.name)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var raw any
		if err := rows.Scan(&r.TaskID, &r.UserID, &r.Service, &r.Category, &r.Status, &raw, &r.Description); err != nil {
			return nil, errors.Wrapf(err, "%s: scan run", s.d.name)
		}
		if r.CreatedAt, err = s.decodeTime(raw); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, errors.Wrapf(rows.Err(), "%s: failed runs", s.d.name)
}

func (s *sqlStore) RecordRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := validateRun(r); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertRun,
		r.TaskID, r.UserID, r.Service, r.Category, r.Status, s.d.timeArg(r.CreatedAt, s.loc), r.Description,
	)
	return errors.Wrapf(err, "%s: record run %s", s.d.name, r.TaskID)
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.putDedup, key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return errors.Wrapf(err, "%s: put dedup", s.d.name)
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.d.getDedup, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "%s: get dedup", s.d.name)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.pruneDedup, time.Now().UnixMilli())
	return err
}

func (s *sqlStore) decodeTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return wallIn(v, s.loc), nil
	case string:
		return parseTime(v, s.loc)
	case []byte:
		return parseTime(string(v), s.loc)
	default:
		return time.Time{}, errors.Newf("%s: unexpected created_at type %T", s.d.name, raw)
	}
}

func textTime(t time.Time, loc *time.Location) any { return formatTime(t, loc) }

// wallTime strips the zone so TIMESTAMP columns store loc's wall clock.
func wallTime(t time.Time, loc *time.Location) any {
	return wallIn(t.In(loc), time.UTC)
}

func nonEmpty(v string) bool { return strings.TrimSpace(v) != "" }
