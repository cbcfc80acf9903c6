/*
Package ledger provides the family reward ledger: the transactional engine that
turns grant/spend requests into a consistent, auditable balance per
(child, reward type) pair.

PURPOSE:
  Children earn and spend allowance money, screen-time minutes, points or
  custom units under guardian supervision. Every balance change is an
  append-only transaction; the balance is the fold of those transactions and
  is only ever changed inside the same atomic unit that appends to the log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Family, User, RewardType: scoped entities (see directory.go)
  - AccountKey / Account: the (child, reward type) pair owning a balance
  - Transaction: an immutable credit or debit with a balance snapshot
  - Cursor: stable pagination position (created_at + id)

DESIGN PRINCIPLES:
  1. Append-only: transactions are never edited, corrections are reversals
  2. Integers only: values are positive int64 in the reward type's smallest unit
  3. Exactly-once: an idempotency key maps to at most one transaction per family
  4. Family scoping: every entity and key belongs to exactly one family

USAGE:
  engine := ledger.NewEngine(store, log)
  res, err := engine.Apply(ctx, ledger.ApplyRequest{
      FamilyID:       fam.ID,
      ChildID:        child.ID,
      RewardTypeID:   allowance.ID,
      Type:           ledger.TxCredit,
      Value:          10000,
      IdempotencyKey: "g1",
  })

SEE ALSO:
  - unit.go: Unit kinds and smallest-unit scaling
  - engine.go: Apply / Reverse
  - query.go: Balance lookup and transaction history
  - store.go: Persistence interfaces
*/
package ledger

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type FamilyID string
type UserID string
type RewardTypeID string
type TransactionID string

// NewID returns a new time-ordered identifier (UUIDv7).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// =============================================================================
// ENTITIES
// =============================================================================

// Family is the root scoping unit. Families are never deleted.
type Family struct {
	ID        FamilyID
	Name      string
	CreatedAt time.Time
}

type Role string

const (
	RoleGuardian Role = "guardian"
	RoleChild    Role = "child"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleGuardian, RoleChild:
		return r, nil
	}
	return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
}

// User belongs to exactly one family for its lifetime. Role is immutable.
type User struct {
	ID          UserID
	FamilyID    FamilyID
	Role        Role
	DisplayName string
	Active      bool
	CreatedAt   time.Time
	DeletedAt   *time.Time // set when a child is deleted; the row is kept for audit
}

func (u User) Deleted() bool { return u.DeletedAt != nil }

// RewardType is scoped to one family. UnitKind and UnitLabel never change.
type RewardType struct {
	ID        RewardTypeID
	FamilyID  FamilyID
	Name      string
	UnitKind  UnitKind
	UnitLabel string
	CreatedAt time.Time
}

// =============================================================================
// ACCOUNT - (child, reward type) pair owning a running balance
// =============================================================================

type AccountKey struct {
	ChildID      UserID
	RewardTypeID RewardTypeID
}

func (k AccountKey) String() string {
	return string(k.ChildID) + "/" + string(k.RewardTypeID)
}

// Account is the stored running balance. It is written only in the same
// atomic unit that appends a transaction to it.
type Account struct {
	FamilyID  FamilyID
	Key       AccountKey
	Balance   int64
	Closed    bool
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - Immutable balance change
// =============================================================================

type TransactionType string

const (
	TxCredit TransactionType = "credit" // grant
	TxDebit  TransactionType = "debit"  // spend
)

// ParseTransactionType accepts credit/debit and their grant/spend aliases.
func ParseTransactionType(s string) (TransactionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "credit", "grant":
		return TxCredit, nil
	case "debit", "spend":
		return TxDebit, nil
	}
	return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown transaction type %q", s)}
}

// Opposite returns the type that compensates t.
func (t TransactionType) Opposite() TransactionType {
	if t == TxCredit {
		return TxDebit
	}
	return TxCredit
}

type Transaction struct {
	ID             TransactionID
	FamilyID       FamilyID
	Account        AccountKey
	Type           TransactionType
	Value          int64 // always > 0, smallest unit of the reward type
	Note           string
	IdempotencyKey string
	CreatedBy      UserID        // authoring guardian, empty when not supplied
	ReversesID     TransactionID // set on compensating transactions
	BalanceAfter   int64         // account balance at commit
	CreatedAt      time.Time
}

// Delta is the signed effect of the transaction on its account.
func (t Transaction) Delta() int64 {
	if t.Type == TxDebit {
		return -t.Value
	}
	return t.Value
}

// =============================================================================
// PAGINATION
// =============================================================================

// Cursor marks a position in the newest-first transaction stream.
// Listing "before" a cursor returns strictly older entries.
type Cursor struct {
	CreatedAt time.Time
	ID        TransactionID
}

// CursorOf returns the cursor positioned at tx.
func CursorOf(tx Transaction) *Cursor {
	return &Cursor{CreatedAt: tx.CreatedAt, ID: tx.ID}
}

// Encode returns the opaque string form used at the API boundary.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + string(c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, &ValidationError{Field: "before", Reason: "malformed cursor"}
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, &ValidationError{Field: "before", Reason: "malformed cursor"}
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, &ValidationError{Field: "before", Reason: "malformed cursor"}
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: TransactionID(id)}, nil
}

// TransactionFilter narrows a family's transaction history.
// Zero-valued fields do not filter.
type TransactionFilter struct {
	ChildID      UserID
	RewardTypeID RewardTypeID
	Type         TransactionType
	Limit        int
	Before       *Cursor
}

// Matches reports whether tx passes the filter, ignoring Limit.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.ChildID != "" && tx.Account.ChildID != f.ChildID {
		return false
	}
	if f.RewardTypeID != "" && tx.Account.RewardTypeID != f.RewardTypeID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Before != nil && !Older(tx, *f.Before) {
		return false
	}
	return true
}

// Older reports whether tx sorts strictly after c in newest-first order.
func Older(tx Transaction, c Cursor) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.ID < c.ID
	}
	return tx.CreatedAt.Before(c.CreatedAt)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditFamilyCreated       AuditAction = "family_created"
	AuditUserCreated         AuditAction = "user_created"
	AuditUserUpdated         AuditAction = "user_updated"
	AuditChildDeleted        AuditAction = "child_deleted"
	AuditRewardTypeCreated   AuditAction = "reward_type_created"
	AuditRewardTypeRenamed   AuditAction = "reward_type_renamed"
	AuditTransactionReversed AuditAction = "transaction_reversed"
)

// AuditEntry records who changed what. Append-only.
type AuditEntry struct {
	ID        string
	FamilyID  FamilyID
	ActorID   UserID
	Action    AuditAction
	Payload   map[string]any
	CreatedAt time.Time
}
