/*
store.go - Persistence interfaces for entities, the ledger and the idempotency index

PURPOSE:
  Defines the interface between the ledger and the database. Backends:
  - ledger/store/memory.go: in-memory (dev + tests)
  - store/sqlite:           SQLite (default)
  - store/postgres:         PostgreSQL (row-level locks)

KEY INTERFACES:
  EntityStore:      Families, users, reward types (single-row atomic mutations)
  IdempotencyIndex: (family, key) -> transaction
  AccountTx:        The atomic unit of one apply() against one account
  LedgerStore:      Opens AccountTx units and serves committed reads
  AuditLog:         Append-only record of entity mutations

APPEND-ONLY CONTRACT:
  No method updates or deletes a transaction or an idempotency entry.
  The only mutable ledger field is the account's running balance, and it is
  written only through AccountTx, alongside the transaction it reflects.

ATOMICITY:
  WithAccountTx commits the transaction row, its idempotency entry and the
  new balance together, or none of them. Calls for the same account are
  linearized; calls for different accounts do not share a lock (SQLite is
  the exception: it has a single writer).
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ENTITY STORE
// =============================================================================

// EntityStore persists families, users and reward types.
// Getters return *NotFoundError for unknown ids.
type EntityStore interface {
	CreateFamily(ctx context.Context, f Family) error
	GetFamily(ctx context.Context, id FamilyID) (Family, error)
	ListFamilies(ctx context.Context) ([]Family, error)

	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (User, error)
	ListUsers(ctx context.Context, familyID FamilyID) ([]User, error)

	// UpdateUser persists DisplayName and Active. Role and family never change.
	UpdateUser(ctx context.Context, u User) error

	// DeleteChild marks the child deleted and closes all of its accounts.
	// Transactions are retained. Returns the number of accounts closed.
	DeleteChild(ctx context.Context, id UserID, at time.Time) (int, error)

	// CreateRewardType returns ErrDuplicateRewardType if the family already
	// has a reward type with the same name (case-insensitive).
	CreateRewardType(ctx context.Context, rt RewardType) error
	GetRewardType(ctx context.Context, id RewardTypeID) (RewardType, error)
	ListRewardTypes(ctx context.Context, familyID FamilyID) ([]RewardType, error)
	RenameRewardType(ctx context.Context, id RewardTypeID, name string) error
}

// =============================================================================
// IDEMPOTENCY INDEX
// =============================================================================

// IdempotencyIndex maps a caller-supplied key to the transaction it produced.
// Keys are scoped per family.
type IdempotencyIndex interface {
	// Lookup returns the committed transaction recorded for key, if any.
	Lookup(ctx context.Context, familyID FamilyID, key string) (Transaction, bool, error)

	// Record stores key -> txID. Returns ErrDuplicateIdempotencyKey if the
	// key is already taken, possibly by a concurrent unit of work.
	Record(ctx context.Context, familyID FamilyID, key string, txID TransactionID) error
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// AccountTx is one atomic unit of work against a single account.
type AccountTx interface {
	IdempotencyIndex

	// LockAccount returns the account, creating it with a zero balance if
	// needed, and holds it exclusively until the unit ends. Closed is also
	// true when the child has been deleted.
	LockAccount(ctx context.Context, familyID FamilyID, key AccountKey) (Account, error)

	// InsertTransaction appends tx to the log.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// SetBalance stores the account's new running balance.
	SetBalance(ctx context.Context, key AccountKey, balance int64, at time.Time) error
}

// LedgerStore serves atomic account units and committed reads.
type LedgerStore interface {
	// WithAccountTx runs fn as one atomic unit scoped to key. If fn returns an
	// error nothing is persisted.
	WithAccountTx(ctx context.Context, familyID FamilyID, key AccountKey, fn func(AccountTx) error) error

	// LookupIdempotency reads the committed index outside any unit of work.
	LookupIdempotency(ctx context.Context, familyID FamilyID, key string) (Transaction, bool, error)

	// GetAccount returns the committed account, or false if it was never written.
	GetAccount(ctx context.Context, key AccountKey) (Account, bool, error)

	GetTransaction(ctx context.Context, familyID FamilyID, id TransactionID) (Transaction, error)

	// ListTransactions returns the family's transactions newest first
	// (created_at DESC, id DESC), applying every filter field including Limit.
	ListTransactions(ctx context.Context, familyID FamilyID, filter TransactionFilter) ([]Transaction, error)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, familyID FamilyID, limit int) ([]AuditEntry, error)
}

// Store is implemented by every backend.
type Store interface {
	EntityStore
	LedgerStore
	AuditLog
	Close() error
}
