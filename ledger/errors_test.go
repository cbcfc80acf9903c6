package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{&ValidationError{Field: "value", Reason: "must be positive"}, KindValidation},
		{ErrDuplicateRewardType, KindValidation},
		{fmt.Errorf("%w: x", ErrAccountClosed), KindValidation},
		{&NotFoundError{Entity: "family", ID: "f"}, KindNotFound},
		{&InsufficientBalanceError{Balance: 1, Requested: 2}, KindInsufficientBalance},
		{&IdempotencyConflictError{Key: "k"}, KindIdempotencyConflict},
		{&StorageError{Op: "commit", Err: errors.New("disk full")}, KindStorageFailure},
		{errors.New("driver exploded"), KindStorageFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestIsRetryable_OnlyStorageFailures(t *testing.T) {
	assert.True(t, IsRetryable(storageErr("commit", errors.New("connection reset"))))
	assert.False(t, IsRetryable(&InsufficientBalanceError{}))
	assert.False(t, IsRetryable(&ValidationError{}))
	assert.False(t, IsRetryable(nil))
}

func TestStorageErr_KeepsClassifiedErrors(t *testing.T) {
	nf := &NotFoundError{Entity: "user", ID: "u1"}
	assert.Same(t, nf, storageErr("get", nf))

	cause := errors.New("timeout")
	err := storageErr("commit", cause)
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorIs(t, err, cause)
}

func TestRefErr_NotFoundBecomesValidation(t *testing.T) {
	err := refErr("", &NotFoundError{Entity: "reward type", ID: "rt"})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "reward_type_id", ve.Field)
	assert.NotErrorIs(t, err, ErrNotFound)

	err = refErr("guardian_id", &NotFoundError{Entity: "user", ID: "g"})
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "guardian_id", ve.Field)

	other := errors.New("boom")
	assert.Same(t, other, refErr("x", other))
}
