// Package store holds the supervisor's task metadata.
package store

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/xerrors"
)

var ErrNotFound = xerrors.New("task not found")

// Step is a task's position in the processing sequence.
type Step string

const (
	StepInitializing      Step = "INITIALIZING"
	StepMarshaling        Step = "MARSHALING"
	StepSubmitting        Step = "SUBMITTING"
	StepQueued            Step = "QUEUED"
	StepExecuting         Step = "EXECUTING"
	StepAlgorithmComplete Step = "ALGORITHM_COMPLETE"
	StepStoring           Step = "STORING"
	StepComplete          Step = "COMPLETE"
)

// Steps lists the processing steps in order.
var Steps = []Step{
	StepInitializing,
	StepMarshaling,
	StepSubmitting,
	StepQueued,
	StepExecuting,
	StepAlgorithmComplete,
	StepStoring,
	StepComplete,
}

func (s Step) Valid() bool {
	return s.Index() >= 0
}

// Index is the position of s in Steps, or -1.
func (s Step) Index() int {
	for i, v := range Steps {
		if v == s {
			return i
		}
	}
	return -1
}

// Next is the step that follows s; COMPLETE is followed by itself.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i == len(Steps)-1 {
		return s
	}
	return Steps[i+1]
}

// RemoteParams are the cluster resources requested for remote execution.
type RemoteParams struct {
	Architecture    string
	Group           string
	Queue           string
	WallTime        string
	NodeCount       int
	MinCoresPerNode int
	MinGigsPerNode  float64
}

type Task struct {
	ID         uint64
	InstanceID uint64
	Module     string
	Executable string

	Total    int
	Complete int
	Failed   int

	Step        Step
	Errored     bool
	Disposition string

	AutoResubmitCount int
	MaxAutoResubmits  int
	MaxFailedSubtasks int

	Executor       string
	Remote         RemoteParams
	GigsPerSubtask float64

	Created time.Time
	Updated time.Time
}

func (t Task) String() string {
	return fmt.Sprintf("task %d (%d-%s)", t.ID, t.InstanceID, t.Module)
}

// TaskStore is the supervisor's view of task metadata. Implementations are
// safe for concurrent use.
type TaskStore interface {
	// Create stores t under a newly assigned id.
	Create(ctx context.Context, t Task) (Task, error)
	Get(ctx context.Context, id uint64) (Task, error)
	Put(ctx context.Context, t Task) error
	List(ctx context.Context) ([]Task, error)

	UpdateSubtaskCounts(ctx context.Context, id uint64, total, complete, failed int) error
	UpdateStep(ctx context.Context, id uint64, step Step) error
	MarkErrored(ctx context.Context, id uint64, errored bool) error
	SetDisposition(ctx context.Context, id uint64, disposition string) error
	// PrepareAutoResubmit counts one more automatic resubmission and clears
	// the execution state of the task.
	PrepareAutoResubmit(ctx context.Context, id uint64) (Task, error)

	Close() error
}

// prepareResubmit applies the PrepareAutoResubmit change to t.
func prepareResubmit(t *Task) {
	t.AutoResubmitCount++
	t.Errored = false
	t.Disposition = ""
	t.Step = StepSubmitting
}
