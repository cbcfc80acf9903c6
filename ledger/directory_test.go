package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
)

func TestDirectory_CreateUser_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.Directory.CreateUser(ctx, ledger.NewUser{FamilyID: f.Family.ID, Role: "admin", DisplayName: "X"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.Directory.CreateUser(ctx, ledger.NewUser{FamilyID: f.Family.ID, Role: ledger.RoleChild, DisplayName: "   "})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// Unknown family on a write is bad input, not a missing resource.
	_, err = f.Directory.CreateUser(ctx, ledger.NewUser{FamilyID: "ghost", Role: ledger.RoleChild, DisplayName: "X"})
	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "family_id", ve.Field)
}

func TestDirectory_CreateRewardType_UnitRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.Directory.CreateRewardType(ctx, ledger.NewRewardType{FamilyID: f.Family.ID, Name: "Gems", UnitKind: ledger.UnitCustom})
	assert.ErrorIs(t, err, ledger.ErrInvalidUnitLabel)

	_, err = f.Directory.CreateRewardType(ctx, ledger.NewRewardType{FamilyID: f.Family.ID, Name: "Cash", UnitKind: ledger.UnitMoney, UnitLabel: "cents"})
	assert.ErrorIs(t, err, ledger.ErrInvalidUnitLabel)

	_, err = f.Directory.CreateRewardType(ctx, ledger.NewRewardType{FamilyID: f.Family.ID, Name: "Gold", UnitKind: "gold"})
	assert.ErrorIs(t, err, ledger.ErrInvalidUnitKind)
}

func TestDirectory_RenameRewardType_SameNameIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rt, err := f.Directory.RenameRewardType(ctx, f.Family.ID, f.Money.ID, f.Money.Name)
	require.NoError(t, err)
	assert.Equal(t, f.Money, rt)

	entries, err := f.Directory.ListAudit(ctx, f.Family.ID, 0)
	require.NoError(t, err)
	assert.NotEqual(t, ledger.AuditRewardTypeRenamed, entries[0].Action)
}

func TestDirectory_UpdateDeletedUserRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.Directory.DeleteChild(ctx, f.Family.ID, f.Child.ID)
	require.NoError(t, err)

	active := true
	_, err = f.Directory.UpdateUser(ctx, f.Family.ID, f.Child.ID, ledger.UserUpdate{Active: &active})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestDirectory_ListAudit_NegativeLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.Directory.ListAudit(context.Background(), f.Family.ID, -1)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.Directory.ListAudit(context.Background(), "ghost", 10)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
