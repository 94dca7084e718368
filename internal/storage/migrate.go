package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite3"
)

// goose keeps its dialect and filesystem in package globals.
var migrateMu sync.Mutex

// RunMigrations applies the embedded schema for the given goose dialect.
func RunMigrations(ctx context.Context, db *sql.DB, dialect string) error {
	dir := "migrations/postgres"
	if dialect == dialectSQLite {
		dir = "migrations/sqlite"
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("error setting migration dialect: %w", err)
	}
	return goose.UpContext(ctx, db, dir)
}
