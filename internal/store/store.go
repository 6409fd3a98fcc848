// Package store holds the durable SQL tiers: a result cache backend and a
// credit ledger, each over SQLite or MySQL.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/akl7777777/imei-intel/internal/config"
)

// dialect holds the statements that differ between drivers.
type dialect struct {
	name         string
	schema       []string
	upsertResult string
	upsertPlan   string
}

// DB is an open database plus its dialect. Results and Ledger built on the
// same DB share the connection pool.
type DB struct {
	sql     *sql.DB
	dialect dialect

	closeOnce sync.Once
	closeErr  error
}

// Open connects to backend ("sqlite" or "mysql") and creates the tables.
func Open(backend, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch backend {
	case config.BackendSQLite:
		db, err = openSQLite(dsn)
		d = sqliteDialect
	case config.BackendMySQL:
		db, err = openMySQL(dsn)
		d = mysqlDialect
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", backend)
	}
	if err != nil {
		return nil, err
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: create schema: %w", err)
		}
	}
	return &DB{sql: db, dialect: d}, nil
}

// Backend returns the driver name.
func (db *DB) Backend() string {
	return db.dialect.name
}

// Close is safe to call more than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closeErr = db.sql.Close()
	})
	return db.closeErr
}
