package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hubenschmidt/go-imgsearch/metadata/migrations"
	_ "modernc.org/sqlite"
)

const defaultSQLitePath = "data/imgsearch.db"

// NewSQLiteStore creates a SQLite-backed record store.
func NewSQLiteStore(dsn string) (Store, error) {
	if dsn == "" {
		dsn = defaultSQLitePath
	}

	dir := filepath.Dir(dsn)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := runMigration(db, migrations.SQLite, "sqlite/001_init.sql"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &sqlStore{db: db}, nil
}
