package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDefaultsToWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	defer conn.Close()

	assert.FileExists(t, filepath.Join(ws, ".solarline", "solarline.db"))
	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenPathOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "sites.db")
	conn, err := Open(Config{Workspace: "ignored", Path: file})
	require.NoError(t, err)
	defer conn.Close()

	assert.FileExists(t, file)
	assert.Equal(t, 1, conn.Stats().MaxOpenConnections)
}
