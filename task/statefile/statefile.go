// Package statefile implements the filename-encoded task status that the
// supervisor and the compute-node jobs use to publish progress to each other.
//
// A state file is named
//
//	ziggy.<instanceId>.<taskId>.<module>.<STATE>_<total>-<complete>-<failed>
//
// and carries a flat key = value property block. Values are never mutated in
// place: each transition renames the file under the per-task lock.
package statefile

import (
	"fmt"
	"regexp"
	"strconv"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("statefile")

const (
	PrefixBare = "ziggy"
	Prefix     = PrefixBare + "."

	archivePrefix = "old."
)

type State string

const (
	Initialized State = "INITIALIZED"
	Submitted   State = "SUBMITTED"
	Queued      State = "QUEUED"
	Processing  State = "PROCESSING"
	Complete    State = "COMPLETE"
	Closed      State = "CLOSED"
	Deleted     State = "DELETED"
)

var States = []State{Initialized, Submitted, Queued, Processing, Complete, Closed, Deleted}

func (s State) Valid() bool {
	for _, st := range States {
		if s == st {
			return true
		}
	}
	return false
}

var (
	ErrBadName    = xerrors.New("not a state file name")
	ErrBadTaskDir = xerrors.New("not a task directory name")
	ErrNotFound   = xerrors.New("no state file for task")
	ErrAmbiguous  = xerrors.New("more than one state file for task")
)

var (
	NamePattern = regexp.MustCompile(`^ziggy\.([0-9]+)\.([0-9]+)\.(\S+)\.(` + statesAlternation() + `)_([0-9]+)-([0-9]+)-([0-9]+)$`)

	TaskDirPattern = regexp.MustCompile(`^([0-9]+)-([0-9]+)-(\S+)$`)
)

func statesAlternation() string {
	var s string
	for i, st := range States {
		if i > 0 {
			s += "|"
		}
		s += string(st)
	}
	return s
}

// InvariantPart names a task's state file lineage.
type InvariantPart struct {
	InstanceID uint64
	TaskID     uint64
	Module     string
}

func (ip InvariantPart) String() string {
	return fmt.Sprintf("%s%d.%d.%s", Prefix, ip.InstanceID, ip.TaskID, ip.Module)
}

// TaskDirName is the name of the task working directory, <inst>-<task>-<module>.
func (ip InvariantPart) TaskDirName() string {
	return fmt.Sprintf("%d-%d-%s", ip.InstanceID, ip.TaskID, ip.Module)
}

// ParseTaskDirName extracts the invariant part from a task directory name.
func ParseTaskDirName(name string) (InvariantPart, error) {
	m := TaskDirPattern.FindStringSubmatch(name)
	if m == nil {
		return InvariantPart{}, xerrors.Errorf("%q: %w", name, ErrBadTaskDir)
	}
	inst, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return InvariantPart{}, xerrors.Errorf("%q instance id: %w", name, ErrBadTaskDir)
	}
	task, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return InvariantPart{}, xerrors.Errorf("%q task id: %w", name, ErrBadTaskDir)
	}
	return InvariantPart{InstanceID: inst, TaskID: task, Module: m[3]}, nil
}

// StateFile is one immutable observation of a task's status.
type StateFile struct {
	InvariantPart

	State       State
	NumTotal    int
	NumComplete int
	NumFailed   int

	Props Properties
}

func New(ip InvariantPart, state State, total int) StateFile {
	return StateFile{
		InvariantPart: ip,
		State:         state,
		NumTotal:      total,
		Props:         Properties{},
	}
}

// Parse reconstructs a StateFile from its name. Properties are empty.
func Parse(name string) (StateFile, error) {
	m := NamePattern.FindStringSubmatch(name)
	if m == nil {
		return StateFile{}, xerrors.Errorf("%q: %w", name, ErrBadName)
	}

	nums := make([]uint64, 0, 5)
	for _, g := range []string{m[1], m[2], m[5], m[6], m[7]} {
		n, err := strconv.ParseUint(g, 10, 63)
		if err != nil {
			return StateFile{}, xerrors.Errorf("%q: %w", name, ErrBadName)
		}
		nums = append(nums, n)
	}

	return StateFile{
		InvariantPart: InvariantPart{
			InstanceID: nums[0],
			TaskID:     nums[1],
			Module:     m[3],
		},
		State:       State(m[4]),
		NumTotal:    int(nums[2]),
		NumComplete: int(nums[3]),
		NumFailed:   int(nums[4]),
		Props:       Properties{},
	}, nil
}

func (sf StateFile) Name() string {
	return fmt.Sprintf("%s.%s_%d-%d-%d", sf.InvariantPart, sf.State, sf.NumTotal, sf.NumComplete, sf.NumFailed)
}

func (sf StateFile) String() string {
	return sf.Name()
}

// Equal compares the name fields; properties do not participate.
func (sf StateFile) Equal(o StateFile) bool {
	return sf.InvariantPart == o.InvariantPart &&
		sf.State == o.State &&
		sf.NumTotal == o.NumTotal &&
		sf.NumComplete == o.NumComplete &&
		sf.NumFailed == o.NumFailed
}

// WithState returns a copy in the given state.
func (sf StateFile) WithState(s State) StateFile {
	out := sf.clone()
	out.State = s
	return out
}

// WithCounts returns a copy with the given counters.
func (sf StateFile) WithCounts(total, complete, failed int) StateFile {
	out := sf.clone()
	out.NumTotal = total
	out.NumComplete = complete
	out.NumFailed = failed
	return out
}

func (sf StateFile) clone() StateFile {
	out := sf
	out.Props = sf.Props.Clone()
	return out
}

func (sf StateFile) IsDone() bool {
	return sf.State == Complete || sf.State == Closed
}

func (sf StateFile) IsRunning() bool {
	return sf.State == Processing
}

func (sf StateFile) IsQueued() bool {
	return sf.State == Queued
}

func (sf StateFile) IsStarted() bool {
	return sf.State != Initialized && sf.State != Submitted
}

func (sf StateFile) IsDeleted() bool {
	return sf.State == Deleted
}

// IsTerminal reports whether no further transitions are expected.
func (sf StateFile) IsTerminal() bool {
	return sf.IsDone() || sf.IsDeleted()
}

// AllProcessed reports whether every subtask has finished, one way or the other.
func (sf StateFile) AllProcessed() bool {
	return sf.NumComplete+sf.NumFailed >= sf.NumTotal
}
