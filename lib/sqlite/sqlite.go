// Package sqlite opens sqlite databases and versions their schema.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

var log = logging.Logger("sqlite")

// MigrationFunc upgrades the schema by one version inside tx.
type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA journal_mode = wal",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = on",
}

const metaTableDdl = `CREATE TABLE IF NOT EXISTS _meta (
	version UINT64 NOT NULL UNIQUE
)`

// Open opens the database at path, creating it if needed. The returned pool
// holds a single connection; callers must not use the *sql.DB from inside a
// transaction they hold.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=rwc")
	if err != nil {
		return nil, xerrors.Errorf("open sqlite db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("exec pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// InitDb creates the schema of a fresh database (version 1) and applies
// migrations past the recorded version. versionMigrations[i] upgrades from
// version i+1 to i+2.
func InitDb(ctx context.Context, name string, db *sql.DB, ddl []string, versionMigrations []MigrationFunc) error {
	var exists int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='_meta'").Scan(&exists)
	if err != nil {
		return xerrors.Errorf("checking %s schema: %w", name, err)
	}

	if exists == 0 {
		log.Infow("creating database schema", "db", name)
		if err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, metaTableDdl); err != nil {
				return err
			}
			for _, stmt := range ddl {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return xerrors.Errorf("exec ddl %q: %w", stmt, err)
				}
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (1)")
			return err
		}); err != nil {
			return xerrors.Errorf("creating %s schema: %w", name, err)
		}
	}

	var version int
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM _meta").Scan(&version); err != nil {
		return xerrors.Errorf("reading %s schema version: %w", name, err)
	}

	for i := version - 1; i < len(versionMigrations); i++ {
		start := time.Now()
		to := i + 2
		if err := withTx(ctx, db, func(tx *sql.Tx) error {
			if err := versionMigrations[i](ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", to)
			return err
		}); err != nil {
			return xerrors.Errorf("migrating %s to version %d: %w", name, to, err)
		}
		log.Infow("migrated database schema", "db", name, "version", to, "took", time.Since(start))
	}

	return nil
}

func withTx(ctx context.Context, db *sql.DB, cb func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := cb(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
