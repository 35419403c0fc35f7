package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(StoreConfig{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStoreRunsMigrations(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Migrated tables exist and are queryable
	var count int
	row := store.QueryRowContext(ctx, "SELECT COUNT(*) FROM channel_positions")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)

	row = store.QueryRowContext(ctx, "SELECT COUNT(*) FROM weight_publications")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	store, err := NewStore(StoreConfig{Path: path, MaxConns: 2})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening must not re-apply migrations
	store, err = NewStore(StoreConfig{Path: path, MaxConns: 2})
	require.NoError(t, err)
	defer store.Close()

	mgr := NewMigrationManager(store.DB())
	applied, err := mgr.GetAppliedVersions()
	require.NoError(t, err)
	assert.Len(t, applied, len(Migrations))
}

func TestStmtCacheReuse(t *testing.T) {
	store := testStore(t)

	query := "SELECT COUNT(*) FROM channel_positions"
	first, err := store.GetStmt(query)
	require.NoError(t, err)
	second, err := store.GetStmt(query)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestExecAndQuery(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.ExecContext(ctx,
		"INSERT INTO channel_positions (channel, position, updated_at) VALUES (?, ?, ?)",
		0, 42, "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	var position int64
	row := store.QueryRowContext(ctx, "SELECT position FROM channel_positions WHERE channel = ?", 0)
	require.NoError(t, row.Scan(&position))
	assert.Equal(t, int64(42), position)
}
