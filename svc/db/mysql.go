package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

const mysqlDuplicateEntry = 1062

var mysqlSchema = []string{`
	CREATE TABLE IF NOT EXISTS pastes (
		shortlink VARCHAR(16) NOT NULL PRIMARY KEY,
		blob_path VARCHAR(255) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		size INT NOT NULL,
		burn_after_read BOOLEAN NOT NULL DEFAULT FALSE,
		password_hash VARCHAR(255) NULL,
		INDEX idx_pastes_expires_at (expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
}

// NewMySQL connects with a go-sql-driver DSN. Times are always read and
// written as UTC.
func NewMySQL(dsn string, o Options) (*Store, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, errors.Wrap(err, "mysql connector")
	}
	conn := sql.OpenDB(connector)
	s := newStore(conn, dialect{name: "mysql", isDuplicate: mysqlDuplicate}, o.withDefaults())
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.QueryTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to ping mysql")
	}
	if err := s.exec(ctx, mysqlSchema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func mysqlDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
