package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/previewd/previewd/internal/common/config"
)

// Open builds a Pool from the record store configuration. A non-empty URL
// selects PostgreSQL, the backend for multi-instance deployments sharing one
// record store. Otherwise sessions persist to a local SQLite file.
func Open(cfg config.RecordStoreConfig) (*Pool, error) {
	if cfg.URL != "" {
		pg, err := OpenPostgres(cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		dbx := sqlx.NewDb(pg, "pgx")
		return NewPool(dbx, dbx), nil
	}

	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("record store requires either a url or a sqlite path")
	}
	writer, err := OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(cfg.SQLitePath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}
