package monitor

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	ps "github.com/keybase/go-ps"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/task/statefile"
)

// NopJobMonitor knows of no jobs. Tasks watched through it only end by their
// own state file updates.
type NopJobMonitor struct{}

var _ JobMonitor = NopJobMonitor{}

func (NopJobMonitor) Update(context.Context) error                      { return nil }
func (NopJobMonitor) AddToMonitoring(statefile.StateFile)               {}
func (NopJobMonitor) EndMonitoring(statefile.StateFile)                 {}
func (NopJobMonitor) IsFinished(statefile.StateFile) bool               { return false }
func (NopJobMonitor) ExitStatus(statefile.StateFile) map[string]int     { return nil }
func (NopJobMonitor) ExitComment(statefile.StateFile) map[string]string { return nil }
func (NopJobMonitor) IncompleteJobIDs(statefile.StateFile) []string     { return nil }
func (NopJobMonitor) DeleteJobs(context.Context, []string) error        { return nil }

type localJob struct {
	pid        int
	executable string
	exited     bool
	exitCode   int
}

// ProcessMonitor tracks node processes started on this host, by pid.
type ProcessMonitor struct {
	lk       sync.Mutex
	watched  map[statefile.InvariantPart]struct{}
	jobs     map[statefile.InvariantPart][]*localJob
	alive    map[int]bool
	findProc func(pid int) (ps.Process, error)
}

var _ JobMonitor = (*ProcessMonitor)(nil)

func NewProcessMonitor() *ProcessMonitor {
	return &ProcessMonitor{
		watched:  map[statefile.InvariantPart]struct{}{},
		jobs:     map[statefile.InvariantPart][]*localJob{},
		alive:    map[int]bool{},
		findProc: ps.FindProcess,
	}
}

// Register records a node process started for a task.
func (m *ProcessMonitor) Register(ip statefile.InvariantPart, pid int, executable string) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.jobs[ip] = append(m.jobs[ip], &localJob{pid: pid, executable: executable})
	m.alive[pid] = true
}

// RecordExit records the exit code of a registered process once it was reaped.
func (m *ProcessMonitor) RecordExit(ip statefile.InvariantPart, pid int, code int) {
	m.lk.Lock()
	defer m.lk.Unlock()
	for _, j := range m.jobs[ip] {
		if j.pid == pid {
			j.exited = true
			j.exitCode = code
		}
	}
	m.alive[pid] = false
}

func (m *ProcessMonitor) Update(context.Context) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	for ip := range m.watched {
		for _, j := range m.jobs[ip] {
			if j.exited {
				continue
			}
			m.alive[j.pid] = m.running(j)
		}
	}
	return nil
}

// running matches the pid and the executable name, so a reused pid does not
// count as the job.
func (m *ProcessMonitor) running(j *localJob) bool {
	proc, err := m.findProc(j.pid)
	if err != nil || proc == nil {
		return false
	}
	return j.executable == "" ||
		strings.HasSuffix(strings.ToLower(j.executable), strings.ToLower(proc.Executable()))
}

func (m *ProcessMonitor) AddToMonitoring(sf statefile.StateFile) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.watched[sf.InvariantPart] = struct{}{}
}

func (m *ProcessMonitor) EndMonitoring(sf statefile.StateFile) {
	m.lk.Lock()
	defer m.lk.Unlock()
	delete(m.watched, sf.InvariantPart)
	for _, j := range m.jobs[sf.InvariantPart] {
		delete(m.alive, j.pid)
	}
	delete(m.jobs, sf.InvariantPart)
}

func (m *ProcessMonitor) IsFinished(sf statefile.StateFile) bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	jobs := m.jobs[sf.InvariantPart]
	if len(jobs) == 0 {
		return false
	}
	for _, j := range jobs {
		if !j.exited && m.alive[j.pid] {
			return false
		}
	}
	return true
}

func (m *ProcessMonitor) ExitStatus(sf statefile.StateFile) map[string]int {
	m.lk.Lock()
	defer m.lk.Unlock()
	out := map[string]int{}
	for _, j := range m.jobs[sf.InvariantPart] {
		if j.exited {
			out[strconv.Itoa(j.pid)] = j.exitCode
		}
	}
	return out
}

func (m *ProcessMonitor) ExitComment(statefile.StateFile) map[string]string {
	return nil
}

func (m *ProcessMonitor) IncompleteJobIDs(sf statefile.StateFile) []string {
	m.lk.Lock()
	defer m.lk.Unlock()
	var out []string
	for _, j := range m.jobs[sf.InvariantPart] {
		if !j.exited && m.alive[j.pid] {
			out = append(out, strconv.Itoa(j.pid))
		}
	}
	return out
}

func (m *ProcessMonitor) DeleteJobs(_ context.Context, ids []string) error {
	var err error
	for _, id := range ids {
		pid, perr := strconv.Atoi(id)
		if perr != nil {
			err = multierr.Append(err, xerrors.Errorf("bad job id %q: %w", id, perr))
			continue
		}
		proc, ferr := os.FindProcess(pid)
		if ferr != nil {
			continue
		}
		log.Infow("killing node process", "pid", pid)
		if kerr := proc.Kill(); kerr != nil && !xerrors.Is(kerr, os.ErrProcessDone) {
			err = multierr.Append(err, xerrors.Errorf("killing %d: %w", pid, kerr))
		}
	}
	return err
}
