package storage

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNoRun means no run matched a last-run lookup.
	ErrNoRun = errors.New("no recorded run")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//   - "file": dependency-free file backend (jsonl journals + snapshot)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Location is the zone run timestamps are written in. Defaults to time.Local.
	Location *time.Location
}

const (
	StatusLaunched = "launched"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

// Run is one row of the task table.
type Run struct {
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id"`
	Service     string    `json:"service"`
	Category    string    `json:"category"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Filter selects runs for a last-run lookup. Empty fields match anything.
type Filter struct {
	UserID   string
	Service  string
	Category string
}

func (f Filter) Match(r Run) bool {
	return (f.UserID == "" || f.UserID == r.UserID) &&
		(f.Service == "" || f.Service == r.Service) &&
		(f.Category == "" || f.Category == r.Category)
}

// timeLayout is the on-disk created_at format for text columns.
const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timeLayout)
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse created_at %q", s)
	}
	return t, nil
}

// wallIn reinterprets t's wall clock in loc. Drivers hand back
// TIMESTAMP WITHOUT TIME ZONE values tagged as UTC.
func wallIn(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, 0, loc)
}

func validateRun(r Run) error {
	if strings.TrimSpace(r.TaskID) == "" {
		return errors.New("run: task_id is required")
	}
	if strings.TrimSpace(r.Status) == "" {
		return errors.New("run: status is required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("run: created_at is required")
	}
	return nil
}
