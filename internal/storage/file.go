package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "reportsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl          (append-only run journal, last write per task_id wins)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// Both journals are periodically compacted.
type fileStore struct {
	log logx.Logger
	loc *time.Location

	mu sync.Mutex

	runsPath  string
	runsFile  *os.File
	runs      map[string]Run
	runWrites int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

const compactEvery = 1000

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

// runRecord is the on-disk shape of a Run; created_at uses the text layout of the SQL stores.
type runRecord struct {
	TaskID      string `json:"task_id"`
	UserID      string `json:"user_id,omitempty"`
	Service     string `json:"service,omitempty"`
	Category    string `json:"category,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	Description string `json:"description,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "file store: create dir")
	}

	s := &fileStore{
		log:               log,
		loc:               loc,
		runsPath:          prefix + ".runs.jsonl",
		runs:              map[string]Run{},
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}
	journalPath := prefix + ".dedup.journal.jsonl"

	if err := s.replayRuns(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "file store: replay runs")
	}
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)

	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "file store: open runs")
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, errors.Wrap(err, "file store: open dedup journal")
	}
	s.runsFile = rf
	s.dedupJournalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) LastRun(_ context.Context, f Filter) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, r := range s.runs {
		if f.Match(r) && r.CreatedAt.After(last) {
			last = r.CreatedAt
		}
	}
	if last.IsZero() {
		return time.Time{}, ErrNoRun
	}
	return last, nil
}

func (s *fileStore) FailedBetween(_ context.Context, from, to time.Time) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Run
	for _, r := range s.runs {
		if r.Status != StatusFailed || r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *fileStore) RecordRun(_ context.Context, r Run) error {
	if err := validateRun(r); err != nil {
		return err
	}
	// Match the second resolution of the SQL stores.
	r.CreatedAt = r.CreatedAt.In(s.loc).Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs journal closed")
	}
	if prev, ok := s.runs[r.TaskID]; ok {
		r.CreatedAt = prev.CreatedAt
	}
	if err := json.NewEncoder(s.runsFile).Encode(s.toRecord(r)); err != nil {
		return errors.Wrap(err, "file store: append run")
	}
	s.runs[r.TaskID] = r
	s.runWrites++
	if s.runWrites%compactEvery == 0 {
		if err := s.compactRunsLocked(); err != nil {
			s.log.Debug("runs compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return errors.Wrap(err, "file store: append dedup")
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) toRecord(r Run) runRecord {
	return runRecord{
		TaskID:      r.TaskID,
		UserID:      r.UserID,
		Service:     r.Service,
		Category:    r.Category,
		Status:      r.Status,
		CreatedAt:   formatTime(r.CreatedAt, s.loc),
		Description: r.Description,
	}
}

func (s *fileStore) replayRuns() error {
	f, err := os.Open(s.runsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec runRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.TaskID == "" {
			continue
		}
		at, err := parseTime(rec.CreatedAt, s.loc)
		if err != nil {
			s.log.Debug("skip run record", logx.String("task_id", rec.TaskID), logx.Err(err))
			continue
		}
		r := Run{
			TaskID:      rec.TaskID,
			UserID:      rec.UserID,
			Service:     rec.Service,
			Category:    rec.Category,
			Status:      rec.Status,
			CreatedAt:   at,
			Description: rec.Description,
		}
		if prev, ok := s.runs[r.TaskID]; ok {
			r.CreatedAt = prev.CreatedAt
		}
		s.runs[r.TaskID] = r
	}
	return sc.Err()
}

func (s *fileStore) compactRunsLocked() error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.runs {
		if err := enc.Encode(s.toRecord(r)); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.runsFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	s.runsFile, err = os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	return err
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
