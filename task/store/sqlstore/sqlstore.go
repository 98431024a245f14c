// Package sqlstore is a TaskStore backed by an sqlite database in the
// supervisor repo.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/lib/sqlite"
	"github.com/ziggy-project/ziggy/task/store"
)

var log = logging.Logger("sqlstore")

const DefaultDbFilename = "tasks.db"

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS task (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id INTEGER NOT NULL,
		module TEXT NOT NULL,
		executable TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL DEFAULT 0,
		complete INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		step TEXT NOT NULL,
		errored INTEGER NOT NULL DEFAULT 0,
		disposition TEXT NOT NULL DEFAULT '',
		auto_resubmit_count INTEGER NOT NULL DEFAULT 0,
		max_auto_resubmits INTEGER NOT NULL DEFAULT 0,
		max_failed_subtasks INTEGER NOT NULL DEFAULT 0,
		executor TEXT NOT NULL DEFAULT '',
		remote_architecture TEXT NOT NULL DEFAULT '',
		remote_group TEXT NOT NULL DEFAULT '',
		remote_queue TEXT NOT NULL DEFAULT '',
		remote_wall_time TEXT NOT NULL DEFAULT '',
		remote_node_count INTEGER NOT NULL DEFAULT 0,
		remote_min_cores INTEGER NOT NULL DEFAULT 0,
		remote_min_gigs REAL NOT NULL DEFAULT 0,
		gigs_per_subtask REAL NOT NULL DEFAULT 0,
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_instance_index ON task (instance_id)`,
	`CREATE INDEX IF NOT EXISTS task_step_index ON task (step)`,
}

const columns = `id, instance_id, module, executable, total, complete, failed, step, errored, disposition,
	auto_resubmit_count, max_auto_resubmits, max_failed_subtasks, executor,
	remote_architecture, remote_group, remote_queue, remote_wall_time, remote_node_count, remote_min_cores, remote_min_gigs,
	gigs_per_subtask, created, updated`

type Store struct {
	db *sql.DB
}

var _ store.TaskStore = (*Store)(nil)

// Open opens or creates the task database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.InitDb(ctx, "tasks", db, ddl, nil); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("initializing task database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func now() int64 {
	return build.Clock.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (store.Task, error) {
	var (
		t                store.Task
		step             string
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.InstanceID, &t.Module, &t.Executable, &t.Total, &t.Complete, &t.Failed, &step,
		&t.Errored, &t.Disposition, &t.AutoResubmitCount, &t.MaxAutoResubmits, &t.MaxFailedSubtasks, &t.Executor,
		&t.Remote.Architecture, &t.Remote.Group, &t.Remote.Queue, &t.Remote.WallTime, &t.Remote.NodeCount,
		&t.Remote.MinCoresPerNode, &t.Remote.MinGigsPerNode, &t.GigsPerSubtask, &created, &updated)
	if err != nil {
		return store.Task{}, err
	}
	t.Step = store.Step(step)
	t.Created = time.UnixMilli(created)
	t.Updated = time.UnixMilli(updated)
	return t, nil
}

func (s *Store) Create(ctx context.Context, t store.Task) (store.Task, error) {
	if t.Step == "" {
		t.Step = store.StepInitializing
	}
	ts := now()
	r, err := s.db.ExecContext(ctx, `INSERT INTO task (instance_id, module, executable, total, complete, failed, step, errored,
		disposition, auto_resubmit_count, max_auto_resubmits, max_failed_subtasks, executor, remote_architecture, remote_group,
		remote_queue, remote_wall_time, remote_node_count, remote_min_cores, remote_min_gigs, gigs_per_subtask, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.InstanceID, t.Module, t.Executable, t.Total, t.Complete, t.Failed, string(t.Step), t.Errored,
		t.Disposition, t.AutoResubmitCount, t.MaxAutoResubmits, t.MaxFailedSubtasks, t.Executor, t.Remote.Architecture,
		t.Remote.Group, t.Remote.Queue, t.Remote.WallTime, t.Remote.NodeCount, t.Remote.MinCoresPerNode,
		t.Remote.MinGigsPerNode, t.GigsPerSubtask, ts, ts)
	if err != nil {
		return store.Task{}, xerrors.Errorf("inserting task: %w", err)
	}
	id, err := r.LastInsertId()
	if err != nil {
		return store.Task{}, xerrors.Errorf("getting task id: %w", err)
	}
	log.Debugw("created task", "id", id, "module", t.Module)
	return s.Get(ctx, uint64(id))
}

func (s *Store) Get(ctx context.Context, id uint64) (store.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM task WHERE id = ?", id))
	if xerrors.Is(err, sql.ErrNoRows) {
		return store.Task{}, xerrors.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Task{}, xerrors.Errorf("reading task %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) Put(ctx context.Context, t store.Task) error {
	if t.ID == 0 {
		return xerrors.New("task id must be set")
	}
	created := t.Created.UnixMilli()
	if t.Created.IsZero() {
		created = now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO task (id, instance_id, module, executable, total, complete, failed, step, errored,
		disposition, auto_resubmit_count, max_auto_resubmits, max_failed_subtasks, executor, remote_architecture, remote_group,
		remote_queue, remote_wall_time, remote_node_count, remote_min_cores, remote_min_gigs, gigs_per_subtask, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET instance_id = excluded.instance_id, module = excluded.module,
		executable = excluded.executable, total = excluded.total, complete = excluded.complete, failed = excluded.failed,
		step = excluded.step, errored = excluded.errored, disposition = excluded.disposition,
		auto_resubmit_count = excluded.auto_resubmit_count, max_auto_resubmits = excluded.max_auto_resubmits,
		max_failed_subtasks = excluded.max_failed_subtasks, executor = excluded.executor,
		remote_architecture = excluded.remote_architecture, remote_group = excluded.remote_group,
		remote_queue = excluded.remote_queue, remote_wall_time = excluded.remote_wall_time,
		remote_node_count = excluded.remote_node_count, remote_min_cores = excluded.remote_min_cores,
		remote_min_gigs = excluded.remote_min_gigs, gigs_per_subtask = excluded.gigs_per_subtask,
		updated = excluded.updated`,
		t.ID, t.InstanceID, t.Module, t.Executable, t.Total, t.Complete, t.Failed, string(t.Step), t.Errored,
		t.Disposition, t.AutoResubmitCount, t.MaxAutoResubmits, t.MaxFailedSubtasks, t.Executor, t.Remote.Architecture,
		t.Remote.Group, t.Remote.Queue, t.Remote.WallTime, t.Remote.NodeCount, t.Remote.MinCoresPerNode,
		t.Remote.MinGigsPerNode, t.GigsPerSubtask, created, now())
	if err != nil {
		return xerrors.Errorf("storing task %d: %w", t.ID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+columns+" FROM task ORDER BY id")
	if err != nil {
		return nil, xerrors.Errorf("listing tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, id uint64, query string, args ...any) error {
	r, err := s.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return xerrors.Errorf("updating task %d: %w", id, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return xerrors.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateSubtaskCounts(ctx context.Context, id uint64, total, complete, failed int) error {
	return s.exec(ctx, id, "UPDATE task SET total = ?, complete = ?, failed = ?, updated = ? WHERE id = ?",
		total, complete, failed, now())
}

func (s *Store) UpdateStep(ctx context.Context, id uint64, step store.Step) error {
	return s.exec(ctx, id, "UPDATE task SET step = ?, updated = ? WHERE id = ?", string(step), now())
}

func (s *Store) MarkErrored(ctx context.Context, id uint64, errored bool) error {
	return s.exec(ctx, id, "UPDATE task SET errored = ?, updated = ? WHERE id = ?", errored, now())
}

func (s *Store) SetDisposition(ctx context.Context, id uint64, disposition string) error {
	return s.exec(ctx, id, "UPDATE task SET disposition = ?, updated = ? WHERE id = ?", disposition, now())
}

func (s *Store) PrepareAutoResubmit(ctx context.Context, id uint64) (store.Task, error) {
	err := s.exec(ctx, id, `UPDATE task SET auto_resubmit_count = auto_resubmit_count + 1, errored = 0,
		disposition = '', step = ?, updated = ? WHERE id = ?`, string(store.StepSubmitting), now())
	if err != nil {
		return store.Task{}, err
	}
	return s.Get(ctx, id)
}
