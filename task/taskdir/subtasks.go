package taskdir

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

const subtaskDirPrefix = "st-"

func SubtaskDirName(index int) string {
	return subtaskDirPrefix + strconv.Itoa(index)
}

func SubtaskDir(taskDir string, index int) string {
	return filepath.Join(taskDir, SubtaskDirName(index))
}

// ParseSubtaskDirName returns the index encoded in an st-<index> name.
func ParseSubtaskDirName(name string) (int, bool) {
	if !strings.HasPrefix(name, subtaskDirPrefix) {
		return 0, false
	}
	i, err := strconv.Atoi(name[len(subtaskDirPrefix):])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// SubtaskIndices lists the subtask directories of taskDir in index order.
func SubtaskIndices(taskDir string) ([]int, error) {
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, xerrors.Errorf("listing subtasks of %s: %w", taskDir, err)
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if i, ok := ParseSubtaskDirName(e.Name()); ok {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out, nil
}

// CreateSubtaskDirs makes st-0 .. st-<n-1> under taskDir.
func CreateSubtaskDirs(taskDir string, n int) error {
	for i := 0; i < n; i++ {
		if err := os.MkdirAll(SubtaskDir(taskDir, i), 0755); err != nil {
			return xerrors.Errorf("creating subtask dir: %w", err)
		}
	}
	return nil
}

// Counts tallies the subtask markers of a task.
type Counts struct {
	Total      int
	Complete   int
	Failed     int
	Processing int
}

func (c Counts) AllProcessed() bool {
	return c.Complete+c.Failed >= c.Total
}

// CountSubtasks scans every st-* directory of taskDir.
func CountSubtasks(taskDir string) (Counts, error) {
	indices, err := SubtaskIndices(taskDir)
	if err != nil {
		return Counts{}, err
	}
	c := Counts{Total: len(indices)}
	for _, i := range indices {
		switch CurrentState(SubtaskDir(taskDir, i)) {
		case StateComplete:
			c.Complete++
		case StateFailed:
			c.Failed++
		case StateProcessing:
			c.Processing++
		}
	}
	return c, nil
}

// SubtaskSlots sizes an allocation over taskDir: n is the highest subtask
// index plus one, and skip holds the indices below n that are complete or
// have no directory.
func SubtaskSlots(taskDir string) (n int, skip map[int]struct{}, err error) {
	indices, err := SubtaskIndices(taskDir)
	if err != nil {
		return 0, nil, err
	}
	if len(indices) == 0 {
		return 0, map[int]struct{}{}, nil
	}
	n = indices[len(indices)-1] + 1

	skip = make(map[int]struct{}, n-len(indices))
	present := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		present[i] = struct{}{}
		if CurrentState(SubtaskDir(taskDir, i)) == StateComplete {
			skip[i] = struct{}{}
		}
	}
	for i := 0; i < n; i++ {
		if _, ok := present[i]; !ok {
			log.Warnw("subtask directory missing, not allocating it", "dir", SubtaskDir(taskDir, i))
			skip[i] = struct{}{}
		}
	}
	return n, skip, nil
}
