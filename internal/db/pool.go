// Package db opens and pools connections to the session record store.
package db

import "github.com/jmoiron/sqlx"

// Pool splits record-store access into a write side and a read side.
//
// With SQLite in WAL mode the writer is pinned to one connection, which
// serializes status transitions and avoids SQLITE_BUSY under contention,
// while the readers serve token checks and sweeps concurrently. With
// PostgreSQL both sides are the same *sqlx.DB; pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. They may be
// the same handle.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection for status transitions, claims, and
// tombstone writes.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection for lookups and sweeper scans.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, once each when they are shared.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
