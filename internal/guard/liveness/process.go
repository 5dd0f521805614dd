// Package liveness implements guard.Liveness predicates.
package liveness

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultFlag is the job argument that carries the seller id.
const DefaultFlag = "--user"

type procInfo struct {
	PID  int32
	Args []string
}

// Process scans the OS process table for a command line carrying
// "<flag>=<id>" (or "<flag> <id>").
type Process struct {
	flag string
	self int32
	list func(ctx context.Context) ([]procInfo, error)
}

func NewProcess(flag string) *Process {
	if strings.TrimSpace(flag) == "" {
		flag = DefaultFlag
	}
	return &Process{flag: flag, self: int32(os.Getpid()), list: listProcesses}
}

func (p *Process) Running(ctx context.Context, id string) (bool, error) {
	procs, err := p.list(ctx)
	if err != nil {
		return false, errors.Wrap(err, "list processes")
	}
	want := p.flag + "=" + id
	for _, pr := range procs {
		if pr.PID == p.self {
			continue
		}
		for i, a := range pr.Args {
			if a == want || (a == p.flag && i+1 < len(pr.Args) && pr.Args[i+1] == id) {
				return true, nil
			}
		}
	}
	return false, nil
}

func listProcesses(ctx context.Context) ([]procInfo, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]procInfo, 0, len(ps))
	for _, p := range ps {
		// Processes exit or deny access between listing and reading.
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		out = append(out, procInfo{PID: p.Pid, Args: args})
	}
	return out, nil
}
