package pipeline

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/task/store"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

// Marshaler lays out the subtask inputs of a task and returns the number of
// subtasks it created.
type Marshaler interface {
	Marshal(ctx context.Context, t store.Task, taskDir string) (int, error)
}

// Persister stores the outputs of a finished task.
type Persister interface {
	Persist(ctx context.Context, t store.Task, taskDir string) error
}

// SubtaskDirMarshaler creates one empty subtask directory per subtask the
// task declares. Module-specific input staging goes on top of it.
type SubtaskDirMarshaler struct{}

func (SubtaskDirMarshaler) Marshal(_ context.Context, t store.Task, taskDir string) (int, error) {
	if t.Total <= 0 {
		return 0, xerrors.Errorf("%s declares no subtasks", t)
	}
	if err := taskdir.CreateSubtaskDirs(taskDir, t.Total); err != nil {
		return 0, err
	}
	return t.Total, nil
}

// LoggingPersister records which subtasks produced outputs and leaves the
// files in place.
type LoggingPersister struct{}

func (LoggingPersister) Persist(_ context.Context, t store.Task, taskDir string) error {
	idx, err := taskdir.SubtaskIndices(taskDir)
	if err != nil {
		return err
	}
	var withOutputs []int
	for _, i := range idx {
		if taskdir.HasOutputs(taskdir.SubtaskDir(taskDir, i)) {
			withOutputs = append(withOutputs, i)
		}
	}
	log.Infow("task outputs", "task", t.ID, "subtasks", len(idx), "withOutputs", withOutputs)
	return nil
}
