package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "solarline.db"
	workspaceDir  = ".solarline"
)

// Config selects the database file. Path, when set, wins over the workspace
// default of <workspace>/.solarline/solarline.db. MaxOpenConns zero means one
// connection: SQLite has a single writer and every pass writes.
type Config struct {
	Workspace    string
	Path         string
	MaxOpenConns int
}

// File returns the database file Open uses.
func (c Config) File() string {
	if c.Path != "" {
		return c.Path
	}
	return Path(c.Workspace)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on and WAL journaling, and
// checks that the file is usable.
func Open(cfg Config) (*sql.DB, error) {
	file := cfg.File()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	conn, err := sql.Open("sqlite", "file:"+file+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	conn.SetMaxOpenConns(maxOpen)
	if err := conn.PingContext(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	return conn, nil
}

// Path returns the default db path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}
