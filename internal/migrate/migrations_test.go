package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	st, err := Inspect(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Current)
	assert.Equal(t, []int{1, 2, 3}, st.Pending)

	applied, err := Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, applied)

	applied, err = Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, applied)

	st, err = Inspect(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Current)
	assert.Equal(t, 3, st.Latest)
	assert.Empty(t, st.Pending)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('project_milestones') WHERE name='provenance'`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('api_keys') WHERE name='last_used_at'`).Scan(&n))
	assert.Equal(t, 1, n)
}
