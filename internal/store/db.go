// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a single-writer sqlite connection pool for the job/auth state
// described in spec §4.1. Concurrent readers are allowed; writers serialize
// behind writeMu, mirroring the "process-wide advisory lock" the store
// contract requires when the queue backend runs in local (non-distributed)
// mode.
type DB struct {
	sql     *sql.DB
	writeMu sync.Mutex
}

// OpenOptions configures the underlying sqlite connection.
type OpenOptions struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func DefaultOpenOptions() OpenOptions {
	return OpenOptions{BusyTimeout: 5 * time.Second, MaxOpenConns: 16}
}

// Open creates (if needed) and migrates the sqlite database at path.
func Open(path string, opts OpenOptions) (*DB, error) {
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 16
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, opts.BusyTimeout.Milliseconds(),
	)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	db := &DB{sql: sqlDB}
	if err := migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.sql.Close() }

// withWriteLock serializes writers within this process; cross-process
// mutual exclusion on the same file is additionally provided by sqlite's
// own locking, this just avoids SQLITE_BUSY churn under our own load.
func (db *DB) withWriteLock(fn func() error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return fn()
}
