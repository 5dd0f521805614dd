package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "reportsched/pkg/logx"
)

var sqliteDialect = dialect{
	name:      "sqlite",
	migration: "migrations_sqlite.sql",
	lastRun: `SELECT created_at FROM task
		WHERE (?1 = '' OR user_id = ?1) AND (?2 = '' OR service = ?2) AND (?3 = '' OR category = ?3)
		ORDER BY created_at DESC LIMIT 1`,
	failedBetween: `SELECT task_id, user_id, service, category, status, created_at, description FROM task
		WHERE status = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at ASC`,
	upsertRun: `INSERT INTO task(task_id, user_id, service, category, status, created_at, description)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET status=excluded.status, description=excluded.description`,
	putDedup: `INSERT INTO dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
	getDedup:   `SELECT until FROM dedup WHERE key = ?`,
	pruneDedup: `DELETE FROM dedup WHERE until < ?`,
	timeArg:    textTime,
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if !nonEmpty(cfg.Path) {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "sqlite: create dir")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, sqliteDialect, cfg.Location, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
