package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"

	logx "reportsched/pkg/logx"
)

var postgresDialect = dialect{
	name:      "postgres",
	migration: "migrations_postgres.sql",
	lastRun: `SELECT created_at FROM task
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR service = $2) AND ($3 = '' OR category = $3)
		ORDER BY created_at DESC LIMIT 1`,
	failedBetween: `SELECT task_id, user_id, service, category, status, created_at, description FROM task
		WHERE status = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at ASC`,
	upsertRun: `INSERT INTO task(task_id, user_id, service, category, status, created_at, description)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(task_id) DO UPDATE SET status=EXCLUDED.status, description=EXCLUDED.description`,
	putDedup: `INSERT INTO dedup(key, until) VALUES($1,$2)
		ON CONFLICT(key) DO UPDATE SET until=EXCLUDED.until`,
	getDedup:   `SELECT until FROM dedup WHERE key = $1`,
	pruneDedup: `DELETE FROM dedup WHERE until < $1`,
	timeArg:    wallTime,
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if !nonEmpty(cfg.DSN) {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: open")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "postgres: ping")
	}
	st := newPostgresStore(db, cfg.Location, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newPostgresStore(db *sql.DB, loc *time.Location, log logx.Logger) *sqlStore {
	return newSQLStore(db, postgresDialect, loc, log)
}
