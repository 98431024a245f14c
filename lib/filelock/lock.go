// Package filelock wraps go-fs-lock with the two acquisition styles the task
// protocol needs: a non-blocking attempt for subtask directories and a
// blocking acquisition for the per-task state file lock.
package filelock

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	fslock "github.com/ipfs/go-fs-lock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"
)

var log = logging.Logger("filelock")

const (
	// SubtaskLockName guards one st-<n> directory against concurrently live jobs.
	SubtaskLockName = ".lock"
	// StateFileLockName guards the read-modify-rename of a task's state file.
	StateFileLockName = ".state-file.lock"
)

var (
	MinRetry = 10 * time.Millisecond
	MaxRetry = time.Second
)

// Unlocker releases a held lock. Release never fails loudly; errors are logged.
type Unlocker struct {
	c    io.Closer
	path string
}

func (u *Unlocker) Release() {
	if u == nil || u.c == nil {
		return
	}
	if err := u.c.Close(); err != nil {
		log.Errorw("releasing lock", "path", u.path, "error", err)
	}
	u.c = nil
}

// IsLocked reports whether err is the "someone else holds it" signal from
// go-fs-lock, including a lock held by another goroutine of this process.
func IsLocked(err error) bool {
	le := fslock.LockedError("")
	return errors.As(err, &le)
}

// TryLock attempts to take the named lock in dir without waiting. A lock held
// elsewhere is reported as (nil, false, nil).
func TryLock(dir, name string) (*Unlocker, bool, error) {
	c, err := fslock.Lock(dir, name)
	if err == nil {
		return &Unlocker{c: c, path: dir + string(os.PathSeparator) + name}, true, nil
	}
	if IsLocked(err) {
		return nil, false, nil
	}
	return nil, false, xerrors.Errorf("locking %s in %s: %w", name, dir, err)
}

// Lock blocks until the named lock in dir is acquired or ctx is done.
func Lock(ctx context.Context, dir, name string) (*Unlocker, error) {
	b := &backoff.Backoff{
		Min:    MinRetry,
		Max:    MaxRetry,
		Factor: 2,
		Jitter: true,
	}
	for {
		u, ok, err := TryLock(dir, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return u, nil
		}

		d := b.Duration()
		log.Debugw("lock busy, waiting", "dir", dir, "name", name, "attempt", b.Attempt(), "wait", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, xerrors.Errorf("waiting for %s in %s: %w", name, dir, ctx.Err())
		}
	}
}

// Locked reports whether some holder currently has the lock.
func Locked(dir, name string) (bool, error) {
	return fslock.Locked(dir, name)
}
