package repo

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-datastore"
	fslock "github.com/ipfs/go-fs-lock"
	levelds "github.com/ipfs/go-ds-leveldb"
	measure "github.com/ipfs/go-ds-measure"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/node/config"
	"github.com/ziggy-project/ziggy/task/store/sqlstore"
)

const (
	fsConfig    = "config.toml"
	fsDatastore = "datastore"
	fsLock      = "repo.lock"
)

var log = logging.Logger("repo")

// FsRepo is struct for repo, use NewFS to create
type FsRepo struct {
	path       string
	configPath string
}

var _ Repo = &FsRepo{}

// NewFS creates a repo instance based on a path on file system
func NewFS(path string) (*FsRepo, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	return &FsRepo{
		path:       path,
		configPath: filepath.Join(path, fsConfig),
	}, nil
}

func (fsr *FsRepo) Path() string {
	return fsr.path
}

func (fsr *FsRepo) ConfigPath() string {
	return fsr.configPath
}

// TaskDBPath is the sqlite task database. Other processes may open it
// while the repo is locked.
func (fsr *FsRepo) TaskDBPath() string {
	return filepath.Join(fsr.path, fsDatastore, sqlstore.DefaultDbFilename)
}

func (fsr *FsRepo) SetConfigPath(cfgPath string) {
	fsr.configPath = cfgPath
}

func (fsr *FsRepo) Exists() (bool, error) {
	_, err := os.Stat(filepath.Join(fsr.path, fsDatastore))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Init lays out a new repo with a default config. Initializing an existing
// repo is a no-op.
func (fsr *FsRepo) Init() error {
	exist, err := fsr.Exists()
	if err != nil {
		return err
	}
	if exist {
		return nil
	}

	log.Infof("Initializing repo at '%s'", fsr.path)
	if err := os.MkdirAll(filepath.Join(fsr.path, fsDatastore), 0755); err != nil {
		return err
	}
	return fsr.initConfig()
}

func (fsr *FsRepo) initConfig() error {
	_, err := os.Stat(fsr.configPath)
	if err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	b, err := config.ToBytes(config.DefaultSupervisor())
	if err != nil {
		return err
	}
	if err := os.WriteFile(fsr.configPath, b, 0644); err != nil {
		return xerrors.Errorf("write config: %w", err)
	}
	return nil
}

// Lock acquires exclusive lock on this repo
func (fsr *FsRepo) Lock() (LockedRepo, error) {
	exist, err := fsr.Exists()
	if err != nil {
		return nil, err
	}
	if !exist {
		return nil, xerrors.Errorf("%s: %w", fsr.path, ErrNoRepo)
	}

	locked, err := fslock.Locked(fsr.path, fsLock)
	if err != nil {
		return nil, xerrors.Errorf("could not check lock status: %w", err)
	}
	if locked {
		return nil, ErrRepoAlreadyLocked
	}

	closer, err := fslock.Lock(fsr.path, fsLock)
	if err != nil {
		return nil, xerrors.Errorf("could not lock the repo: %w", err)
	}
	return &fsLockedRepo{
		path:       fsr.path,
		configPath: fsr.configPath,
		closer:     closer,
	}, nil
}

type fsLockedRepo struct {
	path       string
	configPath string
	closer     io.Closer

	ds     datastore.Batching
	dsErr  error
	dsOnce sync.Once
}

func (fsr *fsLockedRepo) Path() string {
	return fsr.path
}

func (fsr *fsLockedRepo) Close() error {
	if err := fsr.stillValid(); err != nil {
		return err
	}
	if fsr.ds != nil {
		if err := fsr.ds.Close(); err != nil {
			return xerrors.Errorf("could not close datastore: %w", err)
		}
	}

	err := fsr.closer.Close()
	fsr.closer = nil
	return err
}

// Datastore opens the leveldb datastore of the repo, instrumented with
// go-ds-measure.
func (fsr *fsLockedRepo) Datastore(_ context.Context) (datastore.Batching, error) {
	if err := fsr.stillValid(); err != nil {
		return nil, err
	}
	fsr.dsOnce.Do(func() {
		dir := fsr.join(fsDatastore, "fsm")
		if err := os.MkdirAll(dir, 0755); err != nil {
			fsr.dsErr = xerrors.Errorf("failed to create datastore dir %s: %w", dir, err)
			return
		}
		ds, err := levelds.NewDatastore(dir, &levelds.Options{
			Compression: ldbopts.NoCompression,
			NoSync:      false,
			Strict:      ldbopts.StrictAll,
		})
		if err != nil {
			fsr.dsErr = xerrors.Errorf("failed to open datastore: %w", err)
			return
		}
		fsr.ds = measure.New("measure.", ds)
	})
	return fsr.ds, fsr.dsErr
}

func (fsr *fsLockedRepo) Config() (*config.Supervisor, error) {
	return config.FromFile(fsr.configPath, config.DefaultSupervisor())
}

func (fsr *fsLockedRepo) TaskDBPath() string {
	return fsr.join(fsDatastore, sqlstore.DefaultDbFilename)
}

// join joins path elements with fsr.path
func (fsr *fsLockedRepo) join(paths ...string) string {
	return filepath.Join(append([]string{fsr.path}, paths...)...)
}

func (fsr *fsLockedRepo) stillValid() error {
	if fsr.closer == nil {
		return ErrClosedRepo
	}
	return nil
}
