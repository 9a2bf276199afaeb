package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the directory holding the
// SQLite file.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps journey state in a single SQLite file. It is the default
// backend when DATABASE_URL is not a Postgres URL.
type SQLiteStore struct {
	sqlRepo
}

// NewSQLiteStore opens (creating if needed) the SQLite file named by the DSN
// option and applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("NewSQLiteStore: create directory failed", "dir", dir, "error", err)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	repo, err := openSQLRepo("sqlite3", "SQLiteStore", sqliteConnString(cfg.DSN), sqliteMigrations, bindQuestion, nil)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{repo}, nil
}

// sqliteConnString adds a busy timeout and immediate transactions unless the
// caller supplied their own query parameters.
func sqliteConnString(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_txlock=immediate"
}
