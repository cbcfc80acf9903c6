package ledger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
)

func TestQuery_GetBalance_UnusedAccountIsZero(t *testing.T) {
	f := newFixture(t)
	b, err := f.Query.GetBalance(context.Background(), f.Family.ID, f.Child.ID, f.Minutes.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Value)
	assert.False(t, b.Closed)
	assert.True(t, b.UpdatedAt.IsZero())
}

func TestQuery_GetBalance_UnknownRefsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.Query.GetBalance(ctx, "ghost", f.Child.ID, f.Money.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.Query.GetBalance(ctx, f.Family.ID, "ghost", f.Money.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.Query.GetBalance(ctx, f.Family.ID, f.Child.ID, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestQuery_ListTransactions_LimitClamping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.Engine.Apply(ctx, f.Grant(f.Points, 1, fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}

	q := ledger.NewQuery(f.Store, ledger.WithPageSizes(2, 3))

	page, err := q.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 2, "default page size")
	assert.NotEmpty(t, page.NextCursor)

	page, err = q.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 3, "clamped to max")

	page, err = q.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 3)

	_, err = q.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{Limit: -1})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = q.ListTransactions(ctx, "ghost", ledger.TransactionFilter{})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestQuery_ListTransactions_ExactPageHasNoCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.Engine.Apply(ctx, f.Grant(f.Points, 1, fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}

	page, err := f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 4)
	assert.Empty(t, page.NextCursor)

	page, err = f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{ChildID: f.Guardian.ID})
	require.NoError(t, err)
	assert.NotNil(t, page.Transactions)
	assert.Empty(t, page.Transactions)
}
