package store

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
)

// MemStore keeps tasks in memory.
type MemStore struct {
	lk     sync.Mutex
	nextID uint64
	tasks  map[uint64]Task
}

var _ TaskStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{nextID: 1, tasks: map[uint64]Task{}}
}

func (m *MemStore) Create(_ context.Context, t Task) (Task, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	t.ID = m.nextID
	m.nextID++
	if t.Step == "" {
		t.Step = StepInitializing
	}
	now := build.Clock.Now()
	t.Created, t.Updated = now, now
	m.tasks[t.ID] = t
	return t, nil
}

func (m *MemStore) Get(_ context.Context, id uint64) (Task, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, xerrors.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *MemStore) Put(_ context.Context, t Task) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	if t.ID == 0 {
		return xerrors.New("task id must be set")
	}
	t.Updated = build.Clock.Now()
	m.tasks[t.ID] = t
	if t.ID >= m.nextID {
		m.nextID = t.ID + 1
	}
	return nil
}

func (m *MemStore) List(_ context.Context) ([]Task, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) mutate(id uint64, fn func(t *Task)) (Task, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, xerrors.Errorf("task %d: %w", id, ErrNotFound)
	}
	fn(&t)
	t.Updated = build.Clock.Now()
	m.tasks[id] = t
	return t, nil
}

func (m *MemStore) UpdateSubtaskCounts(_ context.Context, id uint64, total, complete, failed int) error {
	_, err := m.mutate(id, func(t *Task) {
		t.Total, t.Complete, t.Failed = total, complete, failed
	})
	return err
}

func (m *MemStore) UpdateStep(_ context.Context, id uint64, step Step) error {
	_, err := m.mutate(id, func(t *Task) {
		t.Step = step
	})
	return err
}

func (m *MemStore) MarkErrored(_ context.Context, id uint64, errored bool) error {
	_, err := m.mutate(id, func(t *Task) {
		t.Errored = errored
	})
	return err
}

func (m *MemStore) SetDisposition(_ context.Context, id uint64, disposition string) error {
	_, err := m.mutate(id, func(t *Task) {
		t.Disposition = disposition
	})
	return err
}

func (m *MemStore) PrepareAutoResubmit(_ context.Context, id uint64) (Task, error) {
	return m.mutate(id, prepareResubmit)
}

func (m *MemStore) Close() error {
	return nil
}
