package sampler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"ttyprof/internal/model"
)

// ProcessTable is the view of the OS process table the sampler depends on.
type ProcessTable interface {
	// Running reports whether pid exists and has not exited.
	Running(pid int) (bool, error)
	// Usage returns the live processes that are the target, share its
	// session, or match one of the helper patterns.
	Usage(target int, helpers []string) ([]model.ProcessUsage, error)
}

type cpuMark struct {
	seconds float64
	at      time.Time
}

// ProcTable reads /proc through procfs. CPU percentages are computed from
// the change in CPU time since the previous call that saw the same pid.
type ProcTable struct {
	fs   procfs.FS
	self int
	now  func() time.Time

	mu   sync.Mutex
	last map[int]cpuMark
}

// NewProcTable opens the default /proc mount.
func NewProcTable() (*ProcTable, error) {
	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcTable{
		fs:   pfs,
		self: os.Getpid(),
		now:  time.Now,
		last: make(map[int]cpuMark),
	}, nil
}

// Running implements ProcessTable. Zombies count as exited.
func (t *ProcTable) Running(pid int) (bool, error) {
	p, err := t.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: proc %d: %w", model.ErrSampleTransient, pid, err)
	}
	st, err := p.Stat()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %d: %w", model.ErrSampleTransient, pid, err)
	}
	return !exited(st.State), nil
}

// Usage implements ProcessTable.
func (t *ProcTable) Usage(target int, helpers []string) ([]model.ProcessUsage, error) {
	return t.scan(func(st procfs.ProcStat, cmdline string) bool {
		return st.PID == target || st.Session == target || matchAny(cmdline, st.Comm, helpers)
	}, t.delta)
}

// Find lists live processes whose command line or name contains one of the
// patterns. CPU is the average over each process's lifetime.
func (t *ProcTable) Find(patterns []string) ([]model.ProcessUsage, error) {
	boot, err := t.bootTime()
	if err != nil {
		return nil, err
	}
	now := t.now()
	return t.scan(func(st procfs.ProcStat, cmdline string) bool {
		return matchAny(cmdline, st.Comm, patterns)
	}, func(st procfs.ProcStat) float64 {
		started := boot + float64(st.Starttime)/userHZ
		elapsed := float64(now.UnixNano())/1e9 - started
		if elapsed <= 0 {
			return 0
		}
		return st.CPUTime() / elapsed * 100
	})
}

// userHZ is the clock tick rate procfs assumes for stat times.
const userHZ = 100

func (t *ProcTable) bootTime() (float64, error) {
	st, err := t.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	return float64(st.BootTime), nil
}

func (t *ProcTable) scan(match func(procfs.ProcStat, string) bool, cpu func(procfs.ProcStat) float64) ([]model.ProcessUsage, error) {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("%w: list processes: %w", model.ErrSampleTransient, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[int]bool, len(procs))
	var usage []model.ProcessUsage
	for _, p := range procs {
		if p.PID == t.self {
			continue
		}
		// Processes may exit between listing and reading; skip them.
		st, err := p.Stat()
		if err != nil || exited(st.State) {
			continue
		}
		seen[st.PID] = true

		var cmdline string
		if args, err := p.CmdLine(); err == nil {
			cmdline = strings.Join(args, " ")
		}
		if !match(st, cmdline) {
			continue
		}
		usage = append(usage, model.ProcessUsage{
			PID:        st.PID,
			Name:       st.Comm,
			Cmdline:    cmdline,
			CPUPercent: cpu(st),
			RSSBytes:   uint64(max(st.ResidentMemory(), 0)),
			VMSBytes:   uint64(st.VirtualMemory()),
		})
	}
	for pid := range t.last {
		if !seen[pid] {
			delete(t.last, pid)
		}
	}

	sort.Slice(usage, func(i, j int) bool { return usage[i].PID < usage[j].PID })
	return usage, nil
}

// delta must be called with t.mu held.
func (t *ProcTable) delta(st procfs.ProcStat) float64 {
	now := t.now()
	cur := cpuMark{seconds: st.CPUTime(), at: now}
	prev, ok := t.last[st.PID]
	t.last[st.PID] = cur
	if !ok {
		return 0
	}
	wall := cur.at.Sub(prev.at).Seconds()
	if wall <= 0 || cur.seconds < prev.seconds {
		return 0
	}
	return (cur.seconds - prev.seconds) / wall * 100
}

func exited(state string) bool {
	return state == "Z" || state == "X" || state == "x"
}

func matchAny(cmdline, comm string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(cmdline, p) || strings.Contains(comm, p) {
			return true
		}
	}
	return false
}
