package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPostgresConns = 10

// OpenPostgres connects to the shared record store over pgx. This is the
// backend for deployments where several instances recover each other's
// sessions; maxConns <= 0 falls back to a small default since each instance
// only issues short point queries.
func OpenPostgres(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach record store: %w", err)
	}
	return db, nil
}
