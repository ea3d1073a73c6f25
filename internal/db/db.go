// Package db holds the agent's sqlite state: the change-set delivery ledger
// and the log of content pull requests answered for the collector.
package db

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// StateFile is the state database name under the agent data dir
const StateFile = "state.db"

type DB struct {
	sql *sql.DB
}

// Open opens or creates the state database and applies pending migrations.
// Use ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; the ledger is tiny
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := RunMigrations(d); err != nil {
		_ = d.Close()
		return nil, err
	}
	return &DB{sql: d}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// Ping checks the database connection
func (d *DB) Ping() error { return d.sql.Ping() }

type sqlNullTime struct {
	Valid bool
	Time  time.Time
}

func (n *sqlNullTime) Scan(v interface{}) error {
	switch t := v.(type) {
	case int64:
		if t == 0 {
			n.Valid = false
			return nil
		}
		n.Valid = true
		n.Time = time.UnixMilli(t).UTC()
		return nil
	case nil:
		n.Valid = false
		return nil
	default:
		return errors.New("invalid time")
	}
}
