package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type SQLiteStorage struct {
	sqlStorage
}

// NewSQLiteStorage opens (creating if needed) the database file at path.
func NewSQLiteStorage(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// a single writer keeps sqlite from returning SQLITE_BUSY inside WithTx
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db, dialectSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return &SQLiteStorage{sqlStorage{
		db:     db,
		rebind: questionPlaceholders,
		now:    time.Now,
		logger: logger,
	}}, nil
}
