package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Status describes where a database stands against the embedded migrations.
type Status struct {
	Current int   `json:"current"`
	Latest  int   `json:"latest"`
	Pending []int `json:"pending,omitempty"`
}

// Load returns the embedded migrations ordered by version. File names carry
// the version as a numeric prefix: 001_init.sql.
func Load() ([]Migration, error) {
	names, err := fs.Glob(migrationsFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	migrations := make([]Migration, 0, len(names))
	seen := map[int]string{}
	for _, name := range names {
		base := path.Base(name)
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("invalid migration filename %s", base)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", base, err)
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, base, v)
		}
		seen[v] = base
		data, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: base, UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies pending migrations in one transaction and returns the
// versions it applied.
func Migrate(ctx context.Context, db *sql.DB) ([]int, error) {
	migrations, err := Load()
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := currentVersion(ctx, tx)
	if err != nil {
		return nil, err
	}
	var applied []int
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.Version); err != nil {
			return nil, fmt.Errorf("update schema_version: %w", err)
		}
		current = m.Version
		applied = append(applied, m.Version)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return applied, nil
}

// Inspect reports the schema version without applying anything.
func Inspect(ctx context.Context, db *sql.DB) (Status, error) {
	migrations, err := Load()
	if err != nil {
		return Status{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Status{}, err
	}
	defer tx.Rollback()
	current, err := currentVersion(ctx, tx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Current: current, Latest: current}
	for _, m := range migrations {
		if m.Version > st.Latest {
			st.Latest = m.Version
		}
		if m.Version > current {
			st.Pending = append(st.Pending, m.Version)
		}
	}
	return st, nil
}

// currentVersion creates the bookkeeping table on first use.
func currentVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
