package db

import (
	"context"
	"database/sql"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous=FULL",
}

var sqliteSchema = []string{`
	CREATE TABLE IF NOT EXISTS pastes (
		shortlink TEXT PRIMARY KEY,
		blob_path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		size INTEGER NOT NULL,
		burn_after_read BOOLEAN NOT NULL DEFAULT 0,
		password_hash TEXT,
		CHECK (expires_at > created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at)`,
}

func NewSQLite(path string, o Options) (*Store, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	s := newStore(conn, dialect{name: "sqlite", isDuplicate: sqliteDuplicate}, o.withDefaults())
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.QueryTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if err := s.exec(ctx, sqlitePragmas); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sqlite pragmas")
	}
	if err := s.exec(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func sqliteDuplicate(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
