// Package registry turns configured jobs into validated, keyed definitions.
package registry

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"reportsched/internal/config"
	"reportsched/internal/schedule"
	logx "reportsched/pkg/logx"
)

var (
	ErrDuplicateKey = errors.New("duplicate job key")
	ErrNoUser       = errors.New("job has no user argument")
	ErrUserFlag     = errors.New("user argument does not match the liveness flag")
)

// Definition is one configured job after validation.
type Definition struct {
	// Key is "user=<id>/service=<svc>[/category=<cat>]".
	Key      string
	Index    int // position in the config jobs list
	UserID   string
	UserFlag string // argument name that carried UserID, e.g. "--user"
	Service  string
	Category string
	Spec     schedule.Spec
	Args     []string
	Enabled  bool
}

// LockKey is the exclusivity identity. Two jobs of one seller never overlap.
func (d Definition) LockKey() string { return d.UserID }

// LogName names the per-job subprocess log file.
func (d Definition) LogName() string {
	parts := []string{d.UserID, d.Service}
	if d.Category != "" {
		parts = append(parts, d.Category)
	}
	return strings.Join(parts, "-")
}

// Registry holds definitions in declaration order. It is read-only after Build.
type Registry struct {
	defs  []Definition
	byKey map[string]int
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	userFlag string
}

// WithUserFlag rejects jobs whose user id is carried by any argument name
// other than flag. The process-table liveness check only recognizes flag, so
// such a job would never be seen running.
func WithUserFlag(flag string) Option {
	return func(o *buildOptions) { o.userFlag = strings.TrimSpace(flag) }
}

// Build validates every configured job. Invalid jobs are skipped and returned
// as errors; the rest still build.
func Build(jobs []config.JobConfig, log logx.Logger, opts ...Option) (*Registry, []error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := &Registry{byKey: map[string]int{}}
	var errs []error
	for i, jc := range jobs {
		d, err := definitionFrom(i, jc, o)
		if err != nil {
			err = errors.Wrapf(err, "jobs[%d]", i)
			log.Error("job skipped", logx.Int("index", i), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		if !d.Enabled {
			log.Debug("job disabled", logx.String("key", d.Key))
			r.defs = append(r.defs, d)
			continue
		}
		if prev, ok := r.byKey[d.Key]; ok {
			err := errors.Wrapf(ErrDuplicateKey, "jobs[%d]: %s already declared by jobs[%d]", i, d.Key, r.defs[prev].Index)
			log.Error("job skipped", logx.Int("index", i), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		r.byKey[d.Key] = len(r.defs)
		r.defs = append(r.defs, d)
	}
	return r, errs
}

func definitionFrom(i int, jc config.JobConfig, o buildOptions) (Definition, error) {
	rec, err := schedule.ParseRecurrence(jc.Type)
	if err != nil {
		return Definition{}, err
	}
	if len(jc.TimeRange) == 0 {
		return Definition{}, errors.New("time_range is empty")
	}
	windows := make([]schedule.Window, 0, len(jc.TimeRange))
	for j, tr := range jc.TimeRange {
		w, err := schedule.ParseWindow(tr.Start, tr.End)
		if err != nil {
			return Definition{}, errors.Wrapf(err, "time_range[%d]", j)
		}
		windows = append(windows, w)
	}
	if jc.Day < 0 || jc.Day > 31 {
		return Definition{}, errors.Newf("day %d out of range 1..31", jc.Day)
	}
	if rec == schedule.FixedDay && jc.Day == 0 {
		return Definition{}, errors.New("fixed_day job requires day")
	}

	f := ParseArgs(jc.Args)
	if f.UserID == "" {
		return Definition{}, errors.WithHint(ErrNoUser, "add an argument like --user=<id>")
	}
	if o.userFlag != "" && f.UserFlag != o.userFlag {
		return Definition{}, errors.WithHintf(errors.Wrapf(ErrUserFlag, "%s=%s", f.UserFlag, f.UserID),
			"pass the user id as %s=<id> or set guard.process_flag to %s", o.userFlag, f.UserFlag)
	}
	return Definition{
		Key:      f.Key(),
		Index:    i,
		UserID:   f.UserID,
		UserFlag: f.UserFlag,
		Service:  f.Service,
		Category: f.Category,
		Spec:     schedule.Spec{Recurrence: rec, Windows: windows, FixedDay: jc.Day},
		Args:     append([]string(nil), jc.Args...),
		Enabled:  jc.IsEnabled(),
	}, nil
}

// Fields are the identity values carried in a job's arguments.
type Fields struct {
	UserID   string
	UserFlag string
	Service  string
	Category string
}

func (f Fields) Key() string {
	k := "user=" + f.UserID + "/service=" + f.Service
	if f.Category != "" {
		k += "/category=" + f.Category
	}
	return k
}

// ParseArgs reads "--name=value" arguments. A name containing "user",
// "service" or "category" sets that field; one name may set several.
// Later arguments win. Arguments without '=' are ignored. UserFlag keeps the
// user argument's name as written.
func ParseArgs(args []string) Fields {
	var f Fields
	for _, a := range args {
		raw, value, ok := strings.Cut(a, "=")
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		name := strings.ToLower(strings.TrimLeft(raw, "-"))
		value = strings.TrimSpace(value)
		if strings.Contains(name, "user") {
			f.UserID = value
			f.UserFlag = raw
		}
		if strings.Contains(name, "service") {
			f.Service = value
		}
		if strings.Contains(name, "category") {
			f.Category = value
		}
	}
	return f
}

// Enabled returns enabled definitions in declaration order.
func (r *Registry) Enabled() []Definition {
	out := make([]Definition, 0, len(r.byKey))
	for _, d := range r.defs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// All includes disabled definitions.
func (r *Registry) All() []Definition { return append([]Definition(nil), r.defs...) }

func (r *Registry) Get(key string) (Definition, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Keys returns enabled job keys in declaration order.
func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.byKey))
	for _, d := range r.Enabled() {
		out = append(out, d.Key)
	}
	return out
}

// ExclusivityKeys returns the distinct lock keys of enabled jobs, sorted.
func (r *Registry) ExclusivityKeys() []string {
	seen := map[string]struct{}{}
	for _, d := range r.Enabled() {
		seen[d.LockKey()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
