package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// Four readers cover the proxy's per-hit token checks plus the periodic
	// sweepers; WAL lets them run alongside the single writer.
	sqliteReaderConns = 4
)

// OpenSQLite opens the session record file for writes. The pool is pinned
// to one connection so status transitions serialize instead of surfacing
// SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := absSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare record store directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	return db, nil
}

// OpenSQLiteReader opens a read-only pool over the same file. journal_mode
// and synchronous are database-level settings owned by the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := absSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store reader: %w", err)
	}
	db.SetMaxOpenConns(sqliteReaderConns)
	db.SetMaxIdleConns(sqliteReaderConns)
	return db, nil
}

func absSQLitePath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("record store path must not be empty")
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve record store path: %w", err)
	}
	return abs, nil
}
