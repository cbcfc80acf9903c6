/*
engine.go - Ledger Engine: grant (credit) / spend (debit)

PURPOSE:
  Applies one grant or spend to one account as a single atomic, terminal
  unit of work: committed or rejected, never partially applied.

ALGORITHM (Apply):
  1. Idempotency fast path: if (family, key) is already recorded, return the
     stored {transaction_id, new_balance}. No re-validation. If the stored
     transaction differs materially (account, type, value) the call fails
     with IdempotencyConflict.
  2. Validate references: family, child (of that family, active, not
     deleted), reward type (of that family), optional guardian author.
  3. Inside WithAccountTx:
     a. lock the account (created at zero on first use)
     b. re-check the index (a racing twin may have committed meanwhile)
     c. reject closed accounts
     d. debit: reject if balance - value < floor
     e. insert transaction + idempotency entry + new balance
  4. If the store reports a duplicate key (a twin on another account or
     another process won the unique index), re-read and replay step 1.

CONCURRENCY:
  Calls on the same account are linearized by the store's account lock.
  Identical in-flight calls in this process are collapsed with singleflight
  so a client racing its own retry costs one commit.

REVERSAL:
  Reverse appends a compensating transaction of the opposite type and equal
  value, keyed "reversal:<id>". History is never edited.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	maxIdempotencyKeyLen = 64
	maxNoteLen           = 255
	reversalKeyPrefix    = "reversal:"
)

// Clock returns the commit timestamp. Timestamps are UTC with microsecond
// precision so every backend round-trips them exactly.
type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type ApplyRequest struct {
	FamilyID       FamilyID
	ChildID        UserID
	RewardTypeID   RewardTypeID
	Type           TransactionType
	Value          int64
	Note           string
	IdempotencyKey string
	GuardianID     UserID // optional author

	reverses TransactionID
}

func (r ApplyRequest) account() AccountKey {
	return AccountKey{ChildID: r.ChildID, RewardTypeID: r.RewardTypeID}
}

// matches reports whether prior was produced by an equivalent request.
// Note and author are not material.
func (r ApplyRequest) matches(prior Transaction) bool {
	return prior.Account == r.account() &&
		prior.Type == r.Type &&
		prior.Value == r.Value &&
		prior.ReversesID == r.reverses
}

// flightKey identifies identical requests for singleflight.
func (r ApplyRequest) flightKey() string {
	return strings.Join([]string{
		string(r.FamilyID), r.IdempotencyKey, string(r.ChildID), string(r.RewardTypeID),
		string(r.Type), strconv.FormatInt(r.Value, 10), string(r.reverses),
	}, "\x00")
}

type ApplyResult struct {
	TransactionID TransactionID
	NewBalance    int64
	Replayed      bool // true when an earlier commit was returned
}

type ReverseRequest struct {
	FamilyID      FamilyID
	TransactionID TransactionID
	Note          string
	GuardianID    UserID
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store Store
	log   logrus.FieldLogger
	floor int64
	now   Clock
	group singleflight.Group
}

type Option func(*Engine)

// WithFloor sets the lowest balance a debit may leave. Default 0.
func WithFloor(floor int64) Option {
	return func(e *Engine) { e.floor = floor }
}

// WithClock replaces the commit clock (tests).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.now = c }
}

func NewEngine(store Store, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   log.WithField("component", "ledger"),
		now:   SystemClock,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Floor() int64 { return e.floor }

// Apply executes one grant or spend. See the file header for the algorithm.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	req, err := normalize(req)
	if err != nil {
		return ApplyResult{}, err
	}

	// The flight outlives an impatient caller: a late commit is harmless
	// because the key makes any retry a replay.
	flightCtx := context.WithoutCancel(ctx)
	led := false
	v, err, _ := e.group.Do(req.flightKey(), func() (any, error) {
		led = true
		return e.apply(flightCtx, req)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	res := v.(ApplyResult)
	// Callers that joined another caller's flight did not commit anything.
	if !led {
		res.Replayed = true
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	logger := e.log.WithFields(logrus.Fields{
		"family_id":       req.FamilyID,
		"child_id":        req.ChildID,
		"reward_type_id":  req.RewardTypeID,
		"type":            req.Type,
		"value":           req.Value,
		"idempotency_key": req.IdempotencyKey,
	})

	if prior, ok, err := e.store.LookupIdempotency(ctx, req.FamilyID, req.IdempotencyKey); err != nil {
		return ApplyResult{}, e.fail(logger, "idempotency lookup", err)
	} else if ok {
		return e.replay(logger, req, prior)
	}

	if err := e.validateRefs(ctx, req); err != nil {
		logger.WithError(err).Info("apply rejected")
		return ApplyResult{}, storageErr("validate", err)
	}

	var (
		result ApplyResult
		prior  *Transaction
	)
	err := e.store.WithAccountTx(ctx, req.FamilyID, req.account(), func(tx AccountTx) error {
		acct, err := tx.LockAccount(ctx, req.FamilyID, req.account())
		if err != nil {
			return err
		}

		seen, ok, err := tx.Lookup(ctx, req.FamilyID, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if ok {
			prior = &seen
			return nil
		}

		if acct.Closed {
			return fmt.Errorf("%w: %s", ErrAccountClosed, req.account())
		}

		balance, err := e.next(acct, req)
		if err != nil {
			return err
		}

		now := e.now()
		t := Transaction{
			ID:             TransactionID(NewID()),
			FamilyID:       req.FamilyID,
			Account:        req.account(),
			Type:           req.Type,
			Value:          req.Value,
			Note:           req.Note,
			IdempotencyKey: req.IdempotencyKey,
			CreatedBy:      req.GuardianID,
			ReversesID:     req.reverses,
			BalanceAfter:   balance,
			CreatedAt:      now,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		if err := tx.Record(ctx, req.FamilyID, req.IdempotencyKey, t.ID); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, req.account(), balance, now); err != nil {
			return err
		}
		result = ApplyResult{TransactionID: t.ID, NewBalance: balance}
		return nil
	})

	switch {
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		seen, ok, lerr := e.store.LookupIdempotency(ctx, req.FamilyID, req.IdempotencyKey)
		if lerr != nil {
			return ApplyResult{}, e.fail(logger, "idempotency lookup", lerr)
		}
		if !ok {
			return ApplyResult{}, e.fail(logger, "commit", err)
		}
		return e.replay(logger, req, seen)
	case err != nil && isClassified(err) && !errors.Is(err, ErrStorageFailure):
		logger.WithError(err).Info("apply rejected")
		return ApplyResult{}, err
	case err != nil:
		return ApplyResult{}, e.fail(logger, "commit", err)
	case prior != nil:
		return e.replay(logger, req, *prior)
	}

	logger.WithFields(logrus.Fields{
		"transaction_id": result.TransactionID,
		"new_balance":    result.NewBalance,
	}).Info("transaction committed")
	return result, nil
}

// next computes the balance after applying req to acct.
func (e *Engine) next(acct Account, req ApplyRequest) (int64, error) {
	if req.Type == TxCredit {
		if acct.Balance > math.MaxInt64-req.Value {
			return 0, &ValidationError{Field: "value", Reason: "balance would overflow"}
		}
		return acct.Balance + req.Value, nil
	}
	// balance - value < floor, written without underflow
	if acct.Balance < e.floor || acct.Balance-e.floor < req.Value {
		return 0, &InsufficientBalanceError{
			Account:   acct.Key,
			Balance:   acct.Balance,
			Requested: req.Value,
			Floor:     e.floor,
		}
	}
	return acct.Balance - req.Value, nil
}

func (e *Engine) replay(logger logrus.FieldLogger, req ApplyRequest, prior Transaction) (ApplyResult, error) {
	if !req.matches(prior) {
		err := &IdempotencyConflictError{Key: req.IdempotencyKey, Existing: prior.ID}
		logger.WithError(err).Warn("idempotency conflict")
		return ApplyResult{}, err
	}
	logger.WithField("transaction_id", prior.ID).Debug("idempotent replay")
	return ApplyResult{TransactionID: prior.ID, NewBalance: prior.BalanceAfter, Replayed: true}, nil
}

func (e *Engine) fail(logger logrus.FieldLogger, op string, err error) error {
	err = storageErr(op, err)
	logger.WithError(err).Error("apply failed")
	return err
}

func (e *Engine) validateRefs(ctx context.Context, req ApplyRequest) error {
	child, _, err := resolveRefs(ctx, e.store, req.FamilyID, req.ChildID, req.RewardTypeID)
	if err != nil {
		return refErr("", err)
	}
	if child.Deleted() {
		return fmt.Errorf("%w: child %s has been deleted", ErrAccountClosed, child.ID)
	}
	if !child.Active {
		return &ValidationError{Field: "child_id", Reason: "child is inactive"}
	}
	if req.GuardianID == "" {
		return nil
	}
	g, err := e.store.GetUser(ctx, req.GuardianID)
	if err != nil {
		return refErr("guardian_id", err)
	}
	if g.FamilyID != req.FamilyID || g.Role != RoleGuardian || !g.Active || g.Deleted() {
		return &ValidationError{Field: "guardian_id", Reason: "not an active guardian of this family"}
	}
	return nil
}

// normalize checks the request shape before anything is read.
func normalize(req ApplyRequest) (ApplyRequest, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Note = strings.TrimSpace(req.Note)

	switch {
	case req.FamilyID == "":
		return req, &ValidationError{Field: "family_id", Reason: "required"}
	case req.ChildID == "":
		return req, &ValidationError{Field: "child_id", Reason: "required"}
	case req.RewardTypeID == "":
		return req, &ValidationError{Field: "reward_type_id", Reason: "required"}
	case req.Value <= 0:
		return req, &ValidationError{Field: "value", Reason: "must be a positive integer"}
	case req.IdempotencyKey == "":
		return req, &ValidationError{Field: "idempotency_key", Reason: "required"}
	case len(req.IdempotencyKey) > maxIdempotencyKeyLen:
		return req, &ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("longer than %d characters", maxIdempotencyKeyLen)}
	case req.reverses == "" && strings.HasPrefix(req.IdempotencyKey, reversalKeyPrefix):
		return req, &ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("prefix %q is reserved for reversals", reversalKeyPrefix)}
	case len(req.Note) > maxNoteLen:
		return req, &ValidationError{Field: "note", Reason: fmt.Sprintf("longer than %d characters", maxNoteLen)}
	}
	t, err := ParseTransactionType(string(req.Type))
	if err != nil {
		return req, err
	}
	req.Type = t
	return req, nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse compensates a committed transaction. Reversing the same transaction
// twice returns the first reversal.
func (e *Engine) Reverse(ctx context.Context, req ReverseRequest) (ApplyResult, error) {
	orig, err := e.store.GetTransaction(ctx, req.FamilyID, req.TransactionID)
	if err != nil {
		return ApplyResult{}, storageErr("reverse", err)
	}
	if orig.ReversesID != "" {
		return ApplyResult{}, &ValidationError{Field: "transaction_id", Reason: "a reversal cannot be reversed"}
	}

	note := req.Note
	if strings.TrimSpace(note) == "" {
		note = "reversal of " + string(orig.ID)
	}
	res, err := e.Apply(ctx, ApplyRequest{
		FamilyID:       orig.FamilyID,
		ChildID:        orig.Account.ChildID,
		RewardTypeID:   orig.Account.RewardTypeID,
		Type:           orig.Type.Opposite(),
		Value:          orig.Value,
		Note:           note,
		IdempotencyKey: reversalKeyPrefix + string(orig.ID),
		GuardianID:     req.GuardianID,
		reverses:       orig.ID,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if !res.Replayed {
		appendAudit(ctx, e.store, e.log, e.now(), orig.FamilyID, req.GuardianID, AuditTransactionReversed,
			map[string]any{"transaction_id": orig.ID, "reversal_id": res.TransactionID})
	}
	return res, nil
}
