package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarline/internal/app"
	"solarline/internal/config"
	"solarline/internal/db"
	"solarline/internal/engine"
	"solarline/internal/migrate"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return engine.New(conn, nil)
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	_, _, err := app.ResolveProject(ctx, e, "", "tester")
	require.ErrorIs(t, err, app.ErrNoProject)

	id, cfg, err := app.ResolveProject(ctx, e, "site-7", "tester")
	require.NoError(t, err)
	assert.Equal(t, "site-7", id)
	assert.Equal(t, "site-7", cfg.Project.ID)
	assert.Equal(t, config.Default("site-7").Rules, cfg.Rules)

	id, _, err = app.ResolveProject(ctx, e, "", "tester")
	require.NoError(t, err)
	assert.Equal(t, "site-7", id)

	_, err = e.InitProject(ctx, "site-8", "", "tester")
	require.NoError(t, err)
	_, _, err = app.ResolveProject(ctx, e, "", "tester")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple projects")
}
