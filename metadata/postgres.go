package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/hubenschmidt/go-imgsearch/metadata/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigration(db, migrations.Postgres, "postgres/001_init.sql"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &sqlStore{db: db, dollar: true}, nil
}

func runMigration(db *sql.DB, fsys fs.FS, name string) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.Exec(string(data)); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}
