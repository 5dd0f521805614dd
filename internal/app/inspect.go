package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"

	"reportsched/internal/config"
	"reportsched/internal/engine"
	"reportsched/internal/launcher"
	"reportsched/internal/registry"
	"reportsched/internal/schedule"
	"reportsched/internal/storage"
	logx "reportsched/pkg/logx"
)

// Check validates the config at cfgPath without starting anything and
// writes one line per finding to w. The returned error joins every problem.
func Check(cfgPath string, w io.Writer) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	var errs []error
	if err := config.Validate(cfg); err != nil {
		errs = append(errs, err)
	}
	reg, jobErrs := registry.Build(cfg.Jobs, logx.Nop(), registry.WithUserFlag(processFlag(cfg)))
	errs = append(errs, jobErrs...)
	if _, err := launcher.New(mapLauncherConfig(cfg)); err != nil {
		errs = append(errs, errors.Wrap(err, "launcher"))
	}

	for _, e := range errs {
		fmt.Fprintf(w, "error: %v\n", e)
	}
	fmt.Fprintf(w, "jobs: %d enabled, %d declared, %d rejected\n", len(reg.Enabled()), len(cfg.Jobs), len(jobErrs))
	fmt.Fprintf(w, "exclusivity keys: %d\n", len(reg.ExclusivityKeys()))
	return errors.Join(errs...)
}

// Plan prints the first firing of every enabled job, as the scheduler would
// compute it at now from the configured run history.
func Plan(ctx context.Context, cfgPath string, now time.Time, w io.Writer) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	loc, err := loadLocation(cfg)
	if err != nil {
		return err
	}
	log := logx.NewConsole("WARN")
	reg, _ := registry.Build(cfg.Jobs, log, registry.WithUserFlag(processFlag(cfg)))

	var hist engine.History
	sc, enabled, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return errors.Wrap(err, "open storage")
		}
		defer st.Close()
		hist = st
	}

	planner := schedule.NewPlanner(schedule.NewResolver(nil), loc)
	plans := engine.PlanAll(ctx, reg, planner, hist, now.In(loc), log)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTYPE\tLAST RUN\tPICK\tNEXT FIRE")
	for _, p := range plans {
		last := "-"
		if p.LastRun != nil {
			last = p.LastRun.In(loc).Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Def.Key, p.Def.Spec.Recurrence, last, p.Plan.Pick, p.Plan.At.In(loc).Format(time.DateTime))
	}
	return tw.Flush()
}
