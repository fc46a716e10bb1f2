package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"openmates/common"
	"os"
	"path/filepath"

	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// NewDefaultStorage opens the metadata store at the configured path and
// applies any pending migrations.
func NewDefaultStorage() (*Storage, error) {
	dbPath, err := common.GetDatabasePath()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if err := Migrate(db, "openmates"); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	zlog.Debug().Str("path", dbPath).Msg("SQLite metadata store initialized")
	return NewStorage(db), nil
}

func (s *Storage) CheckConnection(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	zlog.Debug().Msg("Closing SQLite connection")
	return s.db.Close()
}
