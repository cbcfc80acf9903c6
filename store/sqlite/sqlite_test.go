package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/ledgertest"
	"github.com/warp/reward-ledger/store/schema"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Conformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

// WAL file database: readers and the writer use separate connections.
func TestSQLite_FileConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("file-backed database in -short mode")
	}
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		store, err := New(filepath.Join(t.TempDir(), "rewards.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

// =============================================================================
// SCHEMA
// =============================================================================

func TestSQLite_MigrationsRoundTrip(t *testing.T) {
	// GIVEN: a migrated database
	store := newTestStore(t)
	v, dirty, err := store.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	// WHEN: migrating down and up again
	require.NoError(t, store.Migrate(schema.Down, 0))
	v, _, err = store.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)

	require.NoError(t, store.Migrate(schema.Up, 0))

	// THEN: the schema is usable and a second up is a no-op
	require.NoError(t, store.Migrate(schema.Up, 0))
	f := ledgertest.NewFixture(t, store)
	_, err = f.Engine.Apply(context.Background(), f.Grant(f.Points, 1, "after-remigrate"))
	require.NoError(t, err)
}

func TestSQLite_TransactionsAreAppendOnly(t *testing.T) {
	store := newTestStore(t)
	f := ledgertest.NewFixture(t, store)
	ctx := context.Background()
	res, err := f.Engine.Apply(ctx, f.Grant(f.Points, 3, "k"))
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE transactions SET value = 300 WHERE id = ?`, res.TransactionID)
	assert.ErrorContains(t, err, "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, res.TransactionID)
	assert.ErrorContains(t, err, "append-only")

	tx, err := store.GetTransaction(ctx, f.Family.ID, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tx.Value)
}

func TestSQLite_TimestampsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	f := ledgertest.NewFixture(t, store)
	ctx := context.Background()

	res, err := f.Engine.Apply(ctx, f.Grant(f.Money, 125, "ts"))
	require.NoError(t, err)

	tx, err := store.GetTransaction(ctx, f.Family.ID, res.TransactionID)
	require.NoError(t, err)
	acct, ok, err := store.GetAccount(ctx, tx.Account)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, tx.CreatedAt, acct.UpdatedAt)
	assert.Equal(t, "UTC", tx.CreatedAt.Location().String())
}

func TestIsUniqueConstraintError_IgnoresOtherErrors(t *testing.T) {
	assert.False(t, isUniqueConstraintError(nil, "reward_types."))
	assert.False(t, isUniqueConstraintError(assert.AnError, "reward_types."))
}
