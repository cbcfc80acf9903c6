/*
Package ledgertest is the conformance suite every ledger.Store backend runs.

USAGE (in a backend's _test.go):

	func TestConformance(t *testing.T) {
	    ledgertest.Run(t, func(t *testing.T) ledger.Store {
	        s, err := sqlite.New(":memory:")
	        require.NoError(t, err)
	        t.Cleanup(func() { s.Close() })
	        return s
	    })
	}

The suite drives each backend through the Directory, Engine and Query
services, so it checks the full stack: atomicity, idempotency, the floor,
pagination order and the child deletion retention policy.
*/
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/reward-ledger/ledger"
)

// Factory returns a fresh, empty store. It registers its own cleanup.
type Factory func(t *testing.T) ledger.Store

// Fixture is a family with one guardian, one child and one reward type per
// unit kind, wired to fresh services.
type Fixture struct {
	Store     ledger.Store
	Directory *ledger.Directory
	Engine    *ledger.Engine
	Query     *ledger.Query

	Family   ledger.Family
	Guardian ledger.User
	Child    ledger.User
	Money    ledger.RewardType
	Minutes  ledger.RewardType
	Points   ledger.RewardType
}

// NewFixture builds a Fixture on store. Engine options are passed through.
func NewFixture(t *testing.T, store ledger.Store, opts ...ledger.Option) *Fixture {
	t.Helper()
	ctx := context.Background()
	log, _ := test.NewNullLogger()

	f := &Fixture{
		Store:     store,
		Directory: ledger.NewDirectory(store, log),
		Engine:    ledger.NewEngine(store, log, opts...),
		Query:     ledger.NewQuery(store),
	}

	var err error
	f.Family, err = f.Directory.CreateFamily(ctx, "Test Family")
	require.NoError(t, err)
	f.Guardian, err = f.Directory.CreateUser(ctx, ledger.NewUser{FamilyID: f.Family.ID, Role: ledger.RoleGuardian, DisplayName: "Parent"})
	require.NoError(t, err)
	f.Child, err = f.Directory.CreateUser(ctx, ledger.NewUser{FamilyID: f.Family.ID, Role: ledger.RoleChild, DisplayName: "Kid"})
	require.NoError(t, err)
	f.Money, err = f.Directory.CreateRewardType(ctx, ledger.NewRewardType{FamilyID: f.Family.ID, Name: "Allowance", UnitKind: ledger.UnitMoney})
	require.NoError(t, err)
	f.Minutes, err = f.Directory.CreateRewardType(ctx, ledger.NewRewardType{FamilyID: f.Family.ID, Name: "Screen Time", UnitKind: ledger.UnitTime})
	require.NoError(t, err)
	f.Points, err = f.Directory.CreateRewardType(ctx, ledger.NewRewardType{FamilyID: f.Family.ID, Name: "Stars", UnitKind: ledger.UnitPoints})
	require.NoError(t, err)
	return f
}

// Grant builds a credit request against the fixture's child.
func (f *Fixture) Grant(rt ledger.RewardType, value int64, key string) ledger.ApplyRequest {
	return ledger.ApplyRequest{
		FamilyID:       f.Family.ID,
		ChildID:        f.Child.ID,
		RewardTypeID:   rt.ID,
		Type:           ledger.TxCredit,
		Value:          value,
		IdempotencyKey: key,
	}
}

// Spend builds a debit request against the fixture's child.
func (f *Fixture) Spend(rt ledger.RewardType, value int64, key string) ledger.ApplyRequest {
	req := f.Grant(rt, value, key)
	req.Type = ledger.TxDebit
	return req
}

// Balance returns the current balance or fails the test.
func (f *Fixture) Balance(t *testing.T, rt ledger.RewardType) int64 {
	t.Helper()
	b, err := f.Query.GetBalance(context.Background(), f.Family.ID, f.Child.ID, rt.ID)
	require.NoError(t, err)
	return b.Value
}

// SteppingClock returns a clock that advances by step on every call.
func SteppingClock(start time.Time, step time.Duration) ledger.Clock {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Entities", func(t *testing.T) { testEntities(t, newStore) })
	t.Run("Scenarios", func(t *testing.T) { testScenarios(t, newStore) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore) })
	t.Run("Atomicity", func(t *testing.T) { testAtomicity(t, newStore) })
	t.Run("Concurrency", func(t *testing.T) { testConcurrency(t, newStore) })
	t.Run("History", func(t *testing.T) { testHistory(t, newStore) })
	t.Run("DeleteChild", func(t *testing.T) { testDeleteChild(t, newStore) })
	t.Run("Reverse", func(t *testing.T) { testReverse(t, newStore) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore) })
}

// =============================================================================
// ENTITIES
// =============================================================================

func testEntities(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("lookups round trip and unknown ids are not found", func(t *testing.T) {
		f := NewFixture(t, newStore(t))

		fam, err := f.Directory.GetFamily(ctx, f.Family.ID)
		require.NoError(t, err)
		assert.Equal(t, f.Family.Name, fam.Name)

		u, err := f.Directory.GetUser(ctx, f.Family.ID, f.Child.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.RoleChild, u.Role)
		assert.True(t, u.Active)
		assert.Nil(t, u.DeletedAt)

		rt, err := f.Directory.GetRewardType(ctx, f.Family.ID, f.Money.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.UnitMoney, rt.UnitKind)
		assert.Equal(t, "subunits", rt.UnitLabel)

		_, err = f.Directory.GetFamily(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = f.Directory.GetUser(ctx, f.Family.ID, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = f.Directory.GetRewardType(ctx, f.Family.ID, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("lists are scoped to the family", func(t *testing.T) {
		store := newStore(t)
		a := NewFixture(t, store)
		b := NewFixture(t, store)

		users, err := a.Directory.ListUsers(ctx, a.Family.ID)
		require.NoError(t, err)
		assert.Len(t, users, 2)

		rts, err := b.Directory.ListRewardTypes(ctx, b.Family.ID)
		require.NoError(t, err)
		assert.Len(t, rts, 3)
		for _, rt := range rts {
			assert.Equal(t, b.Family.ID, rt.FamilyID)
		}

		fams, err := a.Directory.ListFamilies(ctx)
		require.NoError(t, err)
		assert.Len(t, fams, 2)

		// A user of family b is not found through family a.
		_, err = a.Directory.GetUser(ctx, a.Family.ID, b.Child.ID)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("reward type names are unique per family ignoring case", func(t *testing.T) {
		store := newStore(t)
		f := NewFixture(t, store)

		_, err := f.Directory.CreateRewardType(ctx, ledger.NewRewardType{FamilyID: f.Family.ID, Name: "  allowance ", UnitKind: ledger.UnitPoints})
		assert.ErrorIs(t, err, ledger.ErrDuplicateRewardType)

		// Same name in another family is fine.
		other := NewFixture(t, store)
		assert.Equal(t, "Allowance", other.Money.Name)

		_, err = f.Directory.RenameRewardType(ctx, f.Family.ID, f.Points.ID, "SCREEN TIME")
		assert.ErrorIs(t, err, ledger.ErrDuplicateRewardType)

		renamed, err := f.Directory.RenameRewardType(ctx, f.Family.ID, f.Points.ID, "Gold Stars")
		require.NoError(t, err)
		assert.Equal(t, "Gold Stars", renamed.Name)
		assert.Equal(t, ledger.UnitPoints, renamed.UnitKind)

		got, err := f.Directory.GetRewardType(ctx, f.Family.ID, f.Points.ID)
		require.NoError(t, err)
		assert.Equal(t, "Gold Stars", got.Name)
	})

	t.Run("custom units keep their label", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		rt, err := f.Directory.CreateRewardType(ctx, ledger.NewRewardType{
			FamilyID: f.Family.ID, Name: "Lego", UnitKind: ledger.UnitCustom, UnitLabel: "bricks",
		})
		require.NoError(t, err)

		got, err := f.Directory.GetRewardType(ctx, f.Family.ID, rt.ID)
		require.NoError(t, err)
		assert.Equal(t, "bricks", got.UnitLabel)
		assert.Equal(t, ledger.UnitCustom, got.UnitKind)
	})

	t.Run("user updates change name and active flag only", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		name, inactive := "Kiddo", false

		u, err := f.Directory.UpdateUser(ctx, f.Family.ID, f.Child.ID, ledger.UserUpdate{DisplayName: &name, Active: &inactive})
		require.NoError(t, err)
		assert.Equal(t, "Kiddo", u.DisplayName)
		assert.False(t, u.Active)

		got, err := f.Store.GetUser(ctx, f.Child.ID)
		require.NoError(t, err)
		assert.Equal(t, "Kiddo", got.DisplayName)
		assert.False(t, got.Active)
		assert.Equal(t, ledger.RoleChild, got.Role)

		got.Role = ledger.RoleGuardian
		assert.ErrorIs(t, f.Store.UpdateUser(ctx, got), ledger.ErrRoleImmutable)
	})
}

// =============================================================================
// SCENARIOS - grant, spend, floor, unit isolation
// =============================================================================

func testScenarios(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("grant then spend", func(t *testing.T) {
		f := NewFixture(t, newStore(t))

		res, err := f.Engine.Apply(ctx, f.Grant(f.Money, 10000, "g1"))
		require.NoError(t, err)
		assert.Equal(t, int64(10000), res.NewBalance)
		assert.False(t, res.Replayed)

		res, err = f.Engine.Apply(ctx, f.Spend(f.Money, 2500, "s1"))
		require.NoError(t, err)
		assert.Equal(t, int64(7500), res.NewBalance)
		assert.Equal(t, int64(7500), f.Balance(t, f.Money))
	})

	t.Run("overdraft is rejected and changes nothing", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		_, err := f.Engine.Apply(ctx, f.Grant(f.Money, 10000, "g1"))
		require.NoError(t, err)

		_, err = f.Engine.Apply(ctx, f.Spend(f.Money, 20000, "s2"))
		var ibe *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ibe)
		assert.Equal(t, int64(10000), ibe.Balance)
		assert.Equal(t, int64(20000), ibe.Requested)

		assert.Equal(t, int64(10000), f.Balance(t, f.Money))
		page, err := f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{})
		require.NoError(t, err)
		assert.Len(t, page.Transactions, 1)

		// The rejected key was not consumed.
		_, ok, err := f.Store.LookupIdempotency(ctx, f.Family.ID, "s2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("spending exactly the balance reaches the floor", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		_, err := f.Engine.Apply(ctx, f.Grant(f.Points, 5, "g"))
		require.NoError(t, err)
		res, err := f.Engine.Apply(ctx, f.Spend(f.Points, 5, "s"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.NewBalance)
	})

	t.Run("a negative floor allows bounded overdraft", func(t *testing.T) {
		f := NewFixture(t, newStore(t), ledger.WithFloor(-100))
		res, err := f.Engine.Apply(ctx, f.Spend(f.Points, 100, "s1"))
		require.NoError(t, err)
		assert.Equal(t, int64(-100), res.NewBalance)

		_, err = f.Engine.Apply(ctx, f.Spend(f.Points, 1, "s2"))
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})

	t.Run("reward types never mix", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		_, err := f.Engine.Apply(ctx, f.Grant(f.Minutes, 60, "t1"))
		require.NoError(t, err)
		_, err = f.Engine.Apply(ctx, f.Grant(f.Money, 500, "m1"))
		require.NoError(t, err)

		assert.Equal(t, int64(60), f.Balance(t, f.Minutes))
		assert.Equal(t, int64(500), f.Balance(t, f.Money))
		assert.Equal(t, int64(0), f.Balance(t, f.Points))
	})

	t.Run("foreign references are rejected", func(t *testing.T) {
		store := newStore(t)
		f := NewFixture(t, store)
		other := NewFixture(t, store)

		req := f.Grant(f.Money, 1, "x1")
		req.RewardTypeID = other.Money.ID
		_, err := f.Engine.Apply(ctx, req)
		var ve *ledger.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "reward_type_id", ve.Field)

		req = f.Grant(f.Money, 1, "x2")
		req.ChildID = other.Child.ID
		_, err = f.Engine.Apply(ctx, req)
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "child_id", ve.Field)

		req = f.Grant(f.Money, 1, "x3")
		req.ChildID = f.Guardian.ID
		_, err = f.Engine.Apply(ctx, req)
		assert.ErrorIs(t, err, ledger.ErrValidation)

		_, err = f.Query.GetBalance(ctx, f.Family.ID, other.Child.ID, f.Money.ID)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func testIdempotency(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("replay returns the original result", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		first, err := f.Engine.Apply(ctx, f.Grant(f.Money, 10000, "g1"))
		require.NoError(t, err)
		_, err = f.Engine.Apply(ctx, f.Spend(f.Money, 1000, "s1"))
		require.NoError(t, err)

		again, err := f.Engine.Apply(ctx, f.Grant(f.Money, 10000, "g1"))
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.TransactionID, again.TransactionID)
		assert.Equal(t, int64(10000), again.NewBalance, "replay reports the balance of the original commit")
		assert.Equal(t, int64(9000), f.Balance(t, f.Money))
	})

	t.Run("a different note is not material", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		req := f.Grant(f.Money, 100, "k")
		req.Note = "first"
		first, err := f.Engine.Apply(ctx, req)
		require.NoError(t, err)

		req.Note = "edited"
		again, err := f.Engine.Apply(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first.TransactionID, again.TransactionID)
	})

	t.Run("same key with different parameters conflicts", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		first, err := f.Engine.Apply(ctx, f.Grant(f.Money, 100, "k"))
		require.NoError(t, err)

		for name, req := range map[string]ledger.ApplyRequest{
			"value":       f.Grant(f.Money, 200, "k"),
			"type":        f.Spend(f.Money, 100, "k"),
			"reward type": f.Grant(f.Points, 100, "k"),
		} {
			_, err := f.Engine.Apply(ctx, req)
			var ice *ledger.IdempotencyConflictError
			require.ErrorAs(t, err, &ice, name)
			assert.Equal(t, first.TransactionID, ice.Existing, name)
		}
		assert.Equal(t, int64(100), f.Balance(t, f.Money))
		assert.Equal(t, int64(0), f.Balance(t, f.Points))
	})

	t.Run("keys are scoped per family", func(t *testing.T) {
		store := newStore(t)
		a := NewFixture(t, store)
		b := NewFixture(t, store)

		ra, err := a.Engine.Apply(ctx, a.Grant(a.Money, 100, "shared"))
		require.NoError(t, err)
		rb, err := b.Engine.Apply(ctx, b.Grant(b.Money, 300, "shared"))
		require.NoError(t, err)
		assert.NotEqual(t, ra.TransactionID, rb.TransactionID)
		assert.False(t, rb.Replayed)
	})

	t.Run("recording a taken key is a duplicate", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		res, err := f.Engine.Apply(ctx, f.Grant(f.Money, 100, "k"))
		require.NoError(t, err)

		key := ledger.AccountKey{ChildID: f.Child.ID, RewardTypeID: f.Points.ID}
		err = f.Store.WithAccountTx(ctx, f.Family.ID, key, func(tx ledger.AccountTx) error {
			return tx.Record(ctx, f.Family.ID, "k", res.TransactionID)
		})
		assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	})
}

// =============================================================================
// ATOMICITY
// =============================================================================

func testAtomicity(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := NewFixture(t, newStore(t))
	_, err := f.Engine.Apply(ctx, f.Grant(f.Money, 100, "seed"))
	require.NoError(t, err)

	// GIVEN: a unit of work that writes everything, then fails
	key := ledger.AccountKey{ChildID: f.Child.ID, RewardTypeID: f.Money.ID}
	boom := fmt.Errorf("injected failure")
	err = f.Store.WithAccountTx(ctx, f.Family.ID, key, func(tx ledger.AccountTx) error {
		acct, err := tx.LockAccount(ctx, f.Family.ID, key)
		if err != nil {
			return err
		}
		now := ledger.SystemClock()
		rec := ledger.Transaction{
			ID: ledger.TransactionID(ledger.NewID()), FamilyID: f.Family.ID, Account: key,
			Type: ledger.TxCredit, Value: 50, IdempotencyKey: "lost", BalanceAfter: acct.Balance + 50, CreatedAt: now,
		}
		if err := tx.InsertTransaction(ctx, rec); err != nil {
			return err
		}
		if err := tx.Record(ctx, f.Family.ID, "lost", rec.ID); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, key, rec.BalanceAfter, now); err != nil {
			return err
		}
		return boom
	})

	// THEN: nothing from the unit is visible
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(100), f.Balance(t, f.Money))
	_, ok, err := f.Store.LookupIdempotency(ctx, f.Family.ID, "lost")
	require.NoError(t, err)
	assert.False(t, ok)
	page, err := f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)

	// AND: a retry with the same key commits cleanly
	res, err := f.Engine.Apply(ctx, f.Grant(f.Money, 50, "lost"))
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.NewBalance)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func testConcurrency(t *testing.T, newStore Factory) {
	ctx := context.Background()
	const workers = 20

	t.Run("concurrent grants all land", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		var g errgroup.Group
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				_, err := f.Engine.Apply(ctx, f.Grant(f.Points, 1, fmt.Sprintf("g-%d", i)))
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(workers), f.Balance(t, f.Points))
	})

	t.Run("concurrent spends never breach the floor", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		_, err := f.Engine.Apply(ctx, f.Grant(f.Points, 5, "seed"))
		require.NoError(t, err)

		var (
			g        errgroup.Group
			mu       sync.Mutex
			ok, deny int
		)
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				_, err := f.Engine.Apply(ctx, f.Spend(f.Points, 1, fmt.Sprintf("s-%d", i)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case ledger.KindOf(err) == ledger.KindInsufficientBalance:
					deny++
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 5, ok)
		assert.Equal(t, workers-5, deny)
		assert.Equal(t, int64(0), f.Balance(t, f.Points))
	})

	t.Run("concurrent retries of one key commit once", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		var (
			g     errgroup.Group
			mu    sync.Mutex
			fresh int
			ids   = map[ledger.TransactionID]int{}
		)
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				res, err := f.Engine.Apply(ctx, f.Grant(f.Money, 250, "retry"))
				if err != nil {
					return err
				}
				mu.Lock()
				ids[res.TransactionID]++
				if !res.Replayed {
					fresh++
				}
				mu.Unlock()
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Len(t, ids, 1)
		assert.Equal(t, 1, fresh, "exactly one caller reports a new commit")
		assert.Equal(t, int64(250), f.Balance(t, f.Money))
	})

	t.Run("one key raced across accounts commits once", func(t *testing.T) {
		f := NewFixture(t, newStore(t))
		var g errgroup.Group
		results := make([]error, 2)
		for i, rt := range []ledger.RewardType{f.Money, f.Points} {
			g.Go(func() error {
				_, results[i] = f.Engine.Apply(ctx, f.Grant(rt, 10, "contested"))
				return nil
			})
		}
		require.NoError(t, g.Wait())

		conflicts := 0
		for _, err := range results {
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrIdempotencyConflict)
				conflicts++
			}
		}
		assert.Equal(t, 1, conflicts)
		assert.Equal(t, int64(10), f.Balance(t, f.Money)+f.Balance(t, f.Points))
	})
}

// =============================================================================
// HISTORY
// =============================================================================

func testHistory(t *testing.T, newStore Factory) {
	ctx := context.Background()
	start := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	f := NewFixture(t, newStore(t), ledger.WithClock(SteppingClock(start, time.Second)))

	var ids []ledger.TransactionID
	for i := 0; i < 7; i++ {
		req := f.Grant(f.Points, int64(i+1), fmt.Sprintf("p-%d", i))
		if i%2 == 1 {
			req = f.Grant(f.Money, 100, fmt.Sprintf("m-%d", i))
		}
		res, err := f.Engine.Apply(ctx, req)
		require.NoError(t, err)
		ids = append(ids, res.TransactionID)
	}
	_, err := f.Engine.Apply(ctx, f.Spend(f.Points, 1, "spend"))
	require.NoError(t, err)

	t.Run("newest first with stable cursor pages", func(t *testing.T) {
		var seen []ledger.TransactionID
		filter := ledger.TransactionFilter{Limit: 3}
		for {
			page, err := f.Query.ListTransactions(ctx, f.Family.ID, filter)
			require.NoError(t, err)
			for _, tx := range page.Transactions {
				seen = append(seen, tx.ID)
			}
			if page.NextCursor == "" {
				break
			}
			filter.Before, err = ledger.DecodeCursor(page.NextCursor)
			require.NoError(t, err)
		}
		require.Len(t, seen, 8)
		for i := range ids {
			assert.Equal(t, ids[len(ids)-1-i], seen[i+1])
		}
	})

	t.Run("filters by reward type and type", func(t *testing.T) {
		page, err := f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{RewardTypeID: f.Money.ID})
		require.NoError(t, err)
		assert.Len(t, page.Transactions, 3)

		page, err = f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{Type: "spend"})
		require.NoError(t, err)
		require.Len(t, page.Transactions, 1)
		assert.Equal(t, ledger.TxDebit, page.Transactions[0].Type)
		assert.Equal(t, "spend", page.Transactions[0].IdempotencyKey)

		page, err = f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{ChildID: f.Child.ID, RewardTypeID: f.Points.ID, Type: ledger.TxCredit})
		require.NoError(t, err)
		assert.Len(t, page.Transactions, 4)
	})

	t.Run("appends do not disturb an iteration in progress", func(t *testing.T) {
		it := f.Query.Iterate(f.Family.ID, ledger.TransactionFilter{Limit: 2})
		require.True(t, it.Next(ctx))
		resume := it.Cursor()

		_, err := f.Engine.Apply(ctx, f.Grant(f.Points, 1, "late"))
		require.NoError(t, err)

		count := 1
		for it.Next(ctx) {
			assert.NotEqual(t, "late", it.Transaction().IdempotencyKey)
			count++
		}
		require.NoError(t, it.Err())
		assert.Equal(t, 8, count)

		// Restart from the saved position.
		again := f.Query.Iterate(f.Family.ID, ledger.TransactionFilter{Limit: 2, Before: resume})
		rest := 0
		for again.Next(ctx) {
			rest++
		}
		assert.Equal(t, 7, rest)
	})

	t.Run("round trips every field", func(t *testing.T) {
		req := f.Spend(f.Money, 50, "detail")
		req.Note = "ice cream"
		req.GuardianID = f.Guardian.ID
		res, err := f.Engine.Apply(ctx, req)
		require.NoError(t, err)

		tx, err := f.Query.GetTransaction(ctx, f.Family.ID, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, ledger.TxDebit, tx.Type)
		assert.Equal(t, int64(50), tx.Value)
		assert.Equal(t, "ice cream", tx.Note)
		assert.Equal(t, f.Guardian.ID, tx.CreatedBy)
		assert.Equal(t, res.NewBalance, tx.BalanceAfter)
		assert.Equal(t, f.Money.ID, tx.Account.RewardTypeID)
		assert.False(t, tx.CreatedAt.IsZero())

		_, err = f.Query.GetTransaction(ctx, "other-family", res.TransactionID)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// DELETE CHILD - retention policy
// =============================================================================

func testDeleteChild(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := NewFixture(t, newStore(t))
	_, err := f.Engine.Apply(ctx, f.Grant(f.Money, 700, "g1"))
	require.NoError(t, err)
	_, err = f.Engine.Apply(ctx, f.Grant(f.Minutes, 30, "g2"))
	require.NoError(t, err)

	// WHEN: the child is deleted
	closed, err := f.Directory.DeleteChild(ctx, f.Family.ID, f.Child.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	// THEN: history and balances stay readable
	b, err := f.Query.GetBalance(ctx, f.Family.ID, f.Child.ID, f.Money.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), b.Value)
	assert.True(t, b.Closed)

	b, err = f.Query.GetBalance(ctx, f.Family.ID, f.Child.ID, f.Points.ID)
	require.NoError(t, err)
	assert.True(t, b.Closed, "never-used accounts are closed too")

	page, err := f.Query.ListTransactions(ctx, f.Family.ID, ledger.TransactionFilter{ChildID: f.Child.ID})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 2)

	// AND: further writes are rejected
	for _, req := range []ledger.ApplyRequest{f.Grant(f.Money, 1, "after"), f.Spend(f.Minutes, 1, "after2"), f.Grant(f.Points, 1, "after3")} {
		_, err = f.Engine.Apply(ctx, req)
		assert.ErrorIs(t, err, ledger.ErrAccountClosed)
	}

	// AND: a replay of an old key still answers
	res, err := f.Engine.Apply(ctx, f.Grant(f.Money, 700, "g1"))
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	u, err := f.Directory.GetUser(ctx, f.Family.ID, f.Child.ID)
	require.NoError(t, err)
	assert.False(t, u.Active)
	assert.NotNil(t, u.DeletedAt)

	_, err = f.Directory.DeleteChild(ctx, f.Family.ID, f.Child.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.Directory.DeleteChild(ctx, f.Family.ID, f.Guardian.ID)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// REVERSE
// =============================================================================

func testReverse(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := NewFixture(t, newStore(t))

	grant, err := f.Engine.Apply(ctx, f.Grant(f.Money, 1000, "g1"))
	require.NoError(t, err)
	spend, err := f.Engine.Apply(ctx, f.Spend(f.Money, 300, "s1"))
	require.NoError(t, err)

	// Reversing the spend credits it back.
	rev, err := f.Engine.Reverse(ctx, ledger.ReverseRequest{FamilyID: f.Family.ID, TransactionID: spend.TransactionID, GuardianID: f.Guardian.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rev.NewBalance)

	tx, err := f.Query.GetTransaction(ctx, f.Family.ID, rev.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCredit, tx.Type)
	assert.Equal(t, spend.TransactionID, tx.ReversesID)

	// Twice is a replay.
	again, err := f.Engine.Reverse(ctx, ledger.ReverseRequest{FamilyID: f.Family.ID, TransactionID: spend.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, rev.TransactionID, again.TransactionID)
	assert.True(t, again.Replayed)

	// A reversal cannot be reversed.
	_, err = f.Engine.Reverse(ctx, ledger.ReverseRequest{FamilyID: f.Family.ID, TransactionID: rev.TransactionID})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// The derived reversal key cannot be taken by an ordinary grant.
	_, err = f.Engine.Apply(ctx, f.Grant(f.Points, 1, "reversal:"+string(grant.TransactionID)))
	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "idempotency_key", ve.Field)

	// Reversing a grant is a debit and respects the floor.
	_, err = f.Engine.Apply(ctx, f.Spend(f.Money, 900, "s2"))
	require.NoError(t, err)
	_, err = f.Engine.Reverse(ctx, ledger.ReverseRequest{FamilyID: f.Family.ID, TransactionID: grant.TransactionID})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = f.Engine.Reverse(ctx, ledger.ReverseRequest{FamilyID: f.Family.ID, TransactionID: "missing"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// AUDIT
// =============================================================================

func testAudit(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := NewFixture(t, newStore(t))

	_, err := f.Directory.RenameRewardType(ctx, f.Family.ID, f.Points.ID, "Stickers")
	require.NoError(t, err)

	entries, err := f.Directory.ListAudit(ctx, f.Family.ID, 0)
	require.NoError(t, err)
	// family + 2 users + 3 reward types + rename
	require.Len(t, entries, 7)
	assert.Equal(t, ledger.AuditRewardTypeRenamed, entries[0].Action)
	assert.Equal(t, "Stickers", entries[0].Payload["to"])
	assert.Equal(t, ledger.AuditFamilyCreated, entries[len(entries)-1].Action)

	entries, err = f.Directory.ListAudit(ctx, f.Family.ID, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
