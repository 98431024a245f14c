// Package pipeline drives each task through its processing steps on a
// go-statemachine state group persisted in a datastore.
package pipeline

import (
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/task/store"
)

var log = logging.Logger("pipeline")

// maxErrorLen bounds LastError to what the encoder accepts.
const maxErrorLen = 8192

// ProcessingInfo is the persisted state of one task's state machine.
// Encoders live in cbor_gen.go; regenerate with `go run ./gen` after
// changing fields.
type ProcessingInfo struct {
	TaskID uint64
	Step   string

	Errored     bool
	Halted      bool
	Resubmitted bool

	SubmissionID string
	LastError    string
}

func (pi *ProcessingInfo) ProcessingStep() store.Step {
	return store.Step(pi.Step)
}

// RestartMode selects where a restarted task re-enters the sequence.
type RestartMode int

const (
	RestartFromBeginning RestartMode = iota
	ResumeCurrentStep
	Resubmit
	ResumeMonitoring
)

var restartModeNames = map[RestartMode]string{
	RestartFromBeginning: "RESTART_FROM_BEGINNING",
	ResumeCurrentStep:    "RESUME_CURRENT_STEP",
	Resubmit:             "RESUBMIT",
	ResumeMonitoring:     "RESUME_MONITORING",
}

func (m RestartMode) String() string {
	if n, ok := restartModeNames[m]; ok {
		return n
	}
	return "UNKNOWN"
}

func ParseRestartMode(s string) (RestartMode, error) {
	for m, n := range restartModeNames {
		if n == s {
			return m, nil
		}
	}
	return 0, xerrors.Errorf("unknown restart mode %q", s)
}

// Events

type TaskStart struct{}

type TaskInitialized struct{}

type TaskMarshaled struct {
	Subtasks int
}

type TaskSubmitted struct {
	SubmissionID string
}

type TaskExecuting struct{}

type TaskAlgorithmDone struct{}

type TaskPersist struct{}

type TaskStored struct{}

// TaskFailed records an error; the step does not change.
type TaskFailed struct {
	Error string
}

type TaskRestart struct {
	Mode RestartMode
}
