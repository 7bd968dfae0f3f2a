// Package db opens and pools database connections for issuedeck. SQLite is
// the default deployment; PostgreSQL is supported for shared installs.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/db/dialect"
)

// Open connects according to the database configuration and returns a Pool.
//
// For sqlite3 the pool holds a single-connection writer and a multi-connection
// read-only reader over the same WAL database. For pgx both sides share one
// connection pool.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case dialect.SQLite3:
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		), nil

	case dialect.PGX:
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, dialect.PGX)
		return NewPool(shared, shared), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}
