package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/ledgertest"
	"github.com/warp/reward-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newFixture(t *testing.T, opts ...ledger.Option) *ledgertest.Fixture {
	return ledgertest.NewFixture(t, store.NewMemory(), opts...)
}

// failingStore commits nothing: every unit of work fails after fn succeeds,
// the way a dropped connection fails at COMMIT.
type failingStore struct {
	ledger.Store
	err error
}

func (s *failingStore) WithAccountTx(ctx context.Context, familyID ledger.FamilyID, key ledger.AccountKey, fn func(ledger.AccountTx) error) error {
	return s.Store.WithAccountTx(ctx, familyID, key, func(tx ledger.AccountTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return s.err
	})
}

// assertFold checks that every stored balance equals the fold of its history.
func assertFold(t *testing.T, f *ledgertest.Fixture) {
	t.Helper()
	ctx := context.Background()
	sums := map[ledger.AccountKey]int64{}
	it := f.Query.Iterate(f.Family.ID, ledger.TransactionFilter{Limit: 50})
	for it.Next(ctx) {
		tx := it.Transaction()
		sums[tx.Account] += tx.Delta()
	}
	require.NoError(t, it.Err())
	for key, sum := range sums {
		b, err := f.Query.GetBalance(ctx, f.Family.ID, key.ChildID, key.RewardTypeID)
		require.NoError(t, err)
		assert.Equal(t, sum, b.Value, "account %s", key)
	}
}

// =============================================================================
// REFERENCE SCENARIOS
// =============================================================================

func TestEngine_Scenarios(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Scenario A: grant on a zero balance
	a, err := f.Engine.Apply(ctx, f.Grant(f.Money, 10000, "g1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), a.NewBalance)

	// Scenario B: spend half
	b, err := f.Engine.Apply(ctx, f.Spend(f.Money, 5000, "s1"))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b.NewBalance)

	// Scenario C: overdraft rejected, balance unchanged
	_, err = f.Engine.Apply(ctx, f.Spend(f.Money, 6000, "s2"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, ledger.KindInsufficientBalance, ledger.KindOf(err))
	assert.Equal(t, int64(5000), f.Balance(t, f.Money))

	// Scenario D: replay of A returns the original result
	d, err := f.Engine.Apply(ctx, f.Grant(f.Money, 10000, "g1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), d.NewBalance)
	assert.Equal(t, a.TransactionID, d.TransactionID)

	page, err := f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{RewardTypeID: f.Money.ID, Type: ledger.TxCredit})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)
	assertFold(t, f)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestEngine_Apply_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		edit  func(*ledger.ApplyRequest)
		field string
	}{
		{"zero value", func(r *ledger.ApplyRequest) { r.Value = 0 }, "value"},
		{"negative value", func(r *ledger.ApplyRequest) { r.Value = -5 }, "value"},
		{"missing key", func(r *ledger.ApplyRequest) { r.IdempotencyKey = "  " }, "idempotency_key"},
		{"long key", func(r *ledger.ApplyRequest) { r.IdempotencyKey = fmt.Sprintf("%065d", 1) }, "idempotency_key"},
		{"reserved reversal key", func(r *ledger.ApplyRequest) { r.IdempotencyKey = "reversal:some-tx" }, "idempotency_key"},
		{"unknown type", func(r *ledger.ApplyRequest) { r.Type = "refund" }, "type"},
		{"missing child", func(r *ledger.ApplyRequest) { r.ChildID = "" }, "child_id"},
		{"unknown child", func(r *ledger.ApplyRequest) { r.ChildID = "ghost" }, "child_id"},
		{"unknown reward type", func(r *ledger.ApplyRequest) { r.RewardTypeID = "ghost" }, "reward_type_id"},
		{"unknown family", func(r *ledger.ApplyRequest) { r.FamilyID = "ghost" }, "family_id"},
		{"long note", func(r *ledger.ApplyRequest) { r.Note = string(make([]byte, 256)) + "x" }, "note"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.Grant(f.Points, 1, "k-"+tt.name)
			tt.edit(&req)

			_, err := f.Engine.Apply(ctx, req)
			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
		})
	}
	assert.Equal(t, int64(0), f.Balance(t, f.Points))
}

func TestEngine_Apply_GuardianAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.Grant(f.Points, 3, "by-guardian")
	req.GuardianID = f.Guardian.ID
	_, err := f.Engine.Apply(ctx, req)
	require.NoError(t, err)

	// A child cannot author.
	req = f.Grant(f.Points, 3, "by-child")
	req.GuardianID = f.Child.ID
	_, err = f.Engine.Apply(ctx, req)
	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "guardian_id", ve.Field)

	req.GuardianID = "ghost"
	_, err = f.Engine.Apply(ctx, req)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "guardian_id", ve.Field)
}

func TestEngine_Apply_InactiveChildRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inactive := false
	_, err := f.Directory.UpdateUser(ctx, f.Family.ID, f.Child.ID, ledger.UserUpdate{Active: &inactive})
	require.NoError(t, err)

	_, err = f.Engine.Apply(ctx, f.Grant(f.Points, 1, "k"))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// Reads still work.
	assert.Equal(t, int64(0), f.Balance(t, f.Points))
}

func TestEngine_Apply_CreditOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.Engine.Apply(ctx, f.Grant(f.Points, math.MaxInt64, "max"))
	require.NoError(t, err)

	_, err = f.Engine.Apply(ctx, f.Grant(f.Points, 1, "one-more"))
	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "value", ve.Field)
	assert.Equal(t, int64(math.MaxInt64), f.Balance(t, f.Points))
}

// =============================================================================
// STORAGE FAILURE
// =============================================================================

func TestEngine_Apply_StorageFailureLeavesNothing(t *testing.T) {
	// GIVEN: a backend whose commits fail
	mem := store.NewMemory()
	f := ledgertest.NewFixture(t, mem)
	log, hook := test.NewNullLogger()
	broken := ledger.NewEngine(&failingStore{Store: mem, err: errors.New("connection reset")}, log)
	ctx := context.Background()

	// WHEN: applying a grant
	_, err := broken.Apply(ctx, f.Grant(f.Money, 500, "retry-me"))

	// THEN: a retryable storage failure, logged at error, with nothing persisted
	require.Error(t, err)
	assert.Equal(t, ledger.KindStorageFailure, ledger.KindOf(err))
	assert.True(t, ledger.IsRetryable(err))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	assert.Equal(t, int64(0), f.Balance(t, f.Money))
	_, ok, err := mem.LookupIdempotency(ctx, f.Family.ID, "retry-me")
	require.NoError(t, err)
	assert.False(t, ok)

	// AND: the same key succeeds on a healthy engine
	res, err := f.Engine.Apply(ctx, f.Grant(f.Money, 500, "retry-me"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(500), res.NewBalance)
}

func TestEngine_Apply_LogsCommit(t *testing.T) {
	mem := store.NewMemory()
	f := ledgertest.NewFixture(t, mem)
	log, hook := test.NewNullLogger()
	engine := ledger.NewEngine(mem, log)

	res, err := engine.Apply(context.Background(), f.Grant(f.Minutes, 45, "logged"))
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "transaction committed", entry.Message)
	assert.Equal(t, res.TransactionID, entry.Data["transaction_id"])
	assert.Equal(t, int64(45), entry.Data["new_balance"])
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_Apply_ConcurrentDistinctValuesLinearize(t *testing.T) {
	// GIVEN: N concurrent grants of values 1..N on one account
	f := newFixture(t)
	ctx := context.Background()
	const n = 50

	var g errgroup.Group
	results := make([]ledger.ApplyResult, n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			var err error
			results[i], err = f.Engine.Apply(ctx, f.Grant(f.Points, int64(i+1), fmt.Sprintf("c-%d", i)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: the final balance is the sum and every intermediate balance is distinct
	assert.Equal(t, int64(n*(n+1)/2), f.Balance(t, f.Points))
	seen := map[int64]bool{}
	for _, r := range results {
		assert.False(t, seen[r.NewBalance], "two commits observed the same prior balance")
		seen[r.NewBalance] = true
	}
	assertFold(t, f)
}

func TestEngine_Apply_DifferentAccountsDoNotBlock(t *testing.T) {
	// GIVEN: a unit of work holding the money account open
	f := newFixture(t)
	ctx := context.Background()
	key := ledger.AccountKey{ChildID: f.Child.ID, RewardTypeID: f.Money.ID}
	held := make(chan struct{})
	release := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		return f.Store.WithAccountTx(ctx, f.Family.ID, key, func(tx ledger.AccountTx) error {
			if _, err := tx.LockAccount(ctx, f.Family.ID, key); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	})
	<-held

	// WHEN: granting on another account
	done := make(chan error, 1)
	go func() {
		_, err := f.Engine.Apply(ctx, f.Grant(f.Points, 1, "other-account"))
		done <- err
	}()

	// THEN: it completes while the first unit is still open
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("apply on an unrelated account blocked")
	}
	close(release)
	require.NoError(t, g.Wait())
}

func TestEngine_Apply_CallerCancellationDoesNotAbortCommit(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.Engine.Apply(ctx, f.Grant(f.Points, 7, "late"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.NewBalance)
}
