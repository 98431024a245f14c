package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

var log = logging.Logger("sqlite")

// MigrationFunc moves the schema of a database up by one version. The
// migration at index i takes the schema from version i+1 to i+2.
type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

var metaDdl = []string{
	`CREATE TABLE IF NOT EXISTS _meta (
		version UINT64 NOT NULL UNIQUE
	)`,
}

// Open opens (creating if needed) the database at path and applies the
// standard pragmas.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, xerrors.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?mode=rwc")
	if err != nil {
		return nil, xerrors.Errorf("opening sqlite database %s: %w", path, err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("executing pragma %q: %w", pragma, err)
		}
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("checking journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		log.Warnw("sqlite database not in WAL mode", "path", path, "mode", journalMode)
	}

	return db, nil
}

// InitDb creates the schema on a fresh database, or applies any pending
// migrations to an existing one. The current schema version is tracked in
// the _meta table; a fresh database is created directly at the latest
// version from ddl.
func InitDb(ctx context.Context, name string, db *sql.DB, ddl []string, migrations []MigrationFunc) error {
	latest := len(migrations) + 1

	var hasMeta bool
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name='_meta'").Scan(&hasMeta)
	if err != nil {
		return xerrors.Errorf("checking %s schema: %w", name, err)
	}

	if !hasMeta {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return xerrors.Errorf("begin %s schema tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range append(append([]string{}, metaDdl...), ddl...) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return xerrors.Errorf("creating %s schema: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", latest); err != nil {
			return xerrors.Errorf("recording %s schema version: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return xerrors.Errorf("commit %s schema: %w", name, err)
		}
		log.Infow("created database schema", "db", name, "version", latest)
		return nil
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM _meta").Scan(&current); err != nil {
		return xerrors.Errorf("reading %s schema version: %w", name, err)
	}
	if current > latest {
		return xerrors.Errorf("%s schema version %d is newer than supported version %d", name, current, latest)
	}

	for v := current; v < latest; v++ {
		if err := migrate(ctx, db, migrations[v-1], v+1); err != nil {
			return xerrors.Errorf("migrating %s to version %d: %w", name, v+1, err)
		}
		log.Infow("migrated database schema", "db", name, "version", v+1)
	}

	return nil
}

func migrate(ctx context.Context, db *sql.DB, m MigrationFunc, to int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := m(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", to); err != nil {
		return err
	}
	return tx.Commit()
}
