package repo

import (
	"context"

	"github.com/ipfs/go-datastore"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/node/config"
)

var (
	ErrRepoAlreadyLocked = xerrors.New("repo is already locked")
	ErrClosedRepo        = xerrors.New("repo is no longer open")
	ErrNoRepo            = xerrors.New("repo not initialized")
)

type Repo interface {
	// Lock locks the repo for exclusive use.
	Lock() (LockedRepo, error)
}

type LockedRepo interface {
	// Close closes repo and removes lock.
	Close() error

	Path() string

	// Datastore returns the datastore holding processing state machines.
	Datastore(ctx context.Context) (datastore.Batching, error)

	// Config returns the supervisor config of this repo, environment
	// overrides applied.
	Config() (*config.Supervisor, error)

	// TaskDBPath is the sqlite task database file.
	TaskDBPath() string
}
