package taskdir

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Files dropped into the task directory by the submission layer.
const (
	ActiveCoresFile = ".activeCoresPerNode"
	WallTimeFile    = ".requestedWallTimeSeconds"
)

const jobInfoPrefix = ".jobinfo"

// WriteIntFile writes a single integer value to name in dir.
func WriteIntFile(dir, name string, v int64) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(strconv.FormatInt(v, 10)+"\n"), 0644); err != nil {
		return xerrors.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// ReadIntFile reads a single integer value; ok is false when the file is
// missing.
func ReadIntFile(dir, name string) (v int64, ok bool, err error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Errorf("reading %s: %w", name, err)
	}
	v, err = strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false, xerrors.Errorf("parsing %s: %w", name, err)
	}
	return v, true, nil
}

// JobInfo identifies the batch job and host that ran a subtask.
type JobInfo struct {
	JobName string
	JobID   string
	Node    string
}

// CurrentJobInfo describes this process from the batch scheduler
// environment, falling back to a generated id for unscheduled runs.
func CurrentJobInfo() JobInfo {
	ji := JobInfo{
		JobName: os.Getenv("PBS_JOBNAME"),
		JobID:   os.Getenv("PBS_JOBID"),
	}
	if ji.JobName == "" {
		ji.JobName = "local"
	}
	if ji.JobID == "" {
		ji.JobID = uuid.New().String()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	ji.Node = strings.SplitN(host, ".", 2)[0]
	return ji
}

func (ji JobInfo) FileName() string {
	return strings.Join([]string{jobInfoPrefix, "jobname", ji.JobName, "jobid", ji.JobID, "node", ji.Node}, ".")
}

// WriteJobInfo records ji in dir, replacing any earlier job-info file.
func WriteJobInfo(dir string, ji JobInfo) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), jobInfoPrefix+".") {
			if err := remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return touch(filepath.Join(dir, ji.FileName()))
}

// ReadJobInfo parses the job-info file in dir, if any.
func ReadJobInfo(dir string) (JobInfo, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return JobInfo{}, false, xerrors.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), jobInfoPrefix+".jobname.") {
			continue
		}
		rest := strings.TrimPrefix(e.Name(), jobInfoPrefix+".jobname.")
		name, rest, ok := strings.Cut(rest, ".jobid.")
		if !ok {
			continue
		}
		id, node, ok := strings.Cut(rest, ".node.")
		if !ok {
			continue
		}
		return JobInfo{JobName: name, JobID: id, Node: node}, true, nil
	}
	return JobInfo{}, false, nil
}
