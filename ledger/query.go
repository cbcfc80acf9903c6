/*
query.go - Query Layer: balances and transaction history

PURPOSE:
  Read-only views over committed state. Nothing here writes.

BALANCE:
  The stored running balance of the account, maintained in the same atomic
  unit as every transaction. An account that was never written has balance 0.

HISTORY:
  Newest first (created_at DESC, id DESC). Pages are addressed by a cursor on
  (created_at, id), never an offset, so concurrent appends neither skip nor
  repeat entries: new transactions land ahead of page one, not inside a page
  already served.

ITERATION:
  Iterator walks pages lazily. It is finite (the history below a cursor never
  grows) and restartable from any Cursor() it has returned.
*/
package ledger

import (
	"context"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Query struct {
	store       Store
	defaultSize int
	maxSize     int
}

type QueryOption func(*Query)

// WithPageSizes sets the default and maximum page sizes. Non-positive values
// keep the built-in defaults.
func WithPageSizes(def, max int) QueryOption {
	return func(q *Query) {
		if def > 0 {
			q.defaultSize = def
		}
		if max > 0 {
			q.maxSize = max
		}
		if q.defaultSize > q.maxSize {
			q.defaultSize = q.maxSize
		}
	}
}

func NewQuery(store Store, opts ...QueryOption) *Query {
	q := &Query{store: store, defaultSize: DefaultPageSize, maxSize: MaxPageSize}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	FamilyID  FamilyID
	Account   AccountKey
	Value     int64
	Closed    bool
	UpdatedAt time.Time // zero when the account was never written
}

// GetBalance returns the current balance. Unknown or foreign references are
// NotFound; an unused account of a known child and reward type is 0.
func (q *Query) GetBalance(ctx context.Context, familyID FamilyID, childID UserID, rtID RewardTypeID) (Balance, error) {
	child, _, err := resolveRefs(ctx, q.store, familyID, childID, rtID)
	if err != nil {
		return Balance{}, storageErr("get balance", err)
	}
	key := AccountKey{ChildID: childID, RewardTypeID: rtID}
	acct, ok, err := q.store.GetAccount(ctx, key)
	if err != nil {
		return Balance{}, storageErr("get balance", err)
	}
	b := Balance{FamilyID: familyID, Account: key, Closed: child.Deleted()}
	if ok {
		b.Value = acct.Balance
		b.Closed = b.Closed || acct.Closed
		b.UpdatedAt = acct.UpdatedAt
	}
	return b, nil
}

// =============================================================================
// HISTORY
// =============================================================================

type Page struct {
	Transactions []Transaction
	NextCursor   string // empty on the last page
}

// ListTransactions returns one page of the family's history, newest first.
func (q *Query) ListTransactions(ctx context.Context, familyID FamilyID, filter TransactionFilter) (Page, error) {
	if _, err := q.store.GetFamily(ctx, familyID); err != nil {
		return Page{}, storageErr("list transactions", err)
	}
	filter, err := q.normalize(filter)
	if err != nil {
		return Page{}, err
	}

	// One extra row tells us whether another page exists.
	limit := filter.Limit
	filter.Limit = limit + 1
	txs, err := q.store.ListTransactions(ctx, familyID, filter)
	if err != nil {
		return Page{}, storageErr("list transactions", err)
	}

	page := Page{Transactions: txs}
	if len(txs) > limit {
		page.Transactions = txs[:limit]
		page.NextCursor = CursorOf(txs[limit-1]).Encode()
	}
	if page.Transactions == nil {
		page.Transactions = []Transaction{}
	}
	return page, nil
}

func (q *Query) GetTransaction(ctx context.Context, familyID FamilyID, id TransactionID) (Transaction, error) {
	tx, err := q.store.GetTransaction(ctx, familyID, id)
	return tx, storageErr("get transaction", err)
}

func (q *Query) normalize(f TransactionFilter) (TransactionFilter, error) {
	switch {
	case f.Limit < 0:
		return f, &ValidationError{Field: "limit", Reason: "must not be negative"}
	case f.Limit == 0:
		f.Limit = q.defaultSize
	case f.Limit > q.maxSize:
		f.Limit = q.maxSize
	}
	if f.Type != "" {
		t, err := ParseTransactionType(string(f.Type))
		if err != nil {
			return f, err
		}
		f.Type = t
	}
	return f, nil
}

// =============================================================================
// ITERATOR
// =============================================================================

// Iterator walks a family's history page by page.
//
//	it := q.Iterate(familyID, filter)
//	for it.Next(ctx) {
//	    tx := it.Transaction()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	q        *Query
	familyID FamilyID
	filter   TransactionFilter

	buf  []Transaction
	pos  int
	cur  Transaction
	next string
	done bool
	err  error
}

// Iterate starts at filter.Before (or the newest transaction when nil).
func (q *Query) Iterate(familyID FamilyID, filter TransactionFilter) *Iterator {
	return &Iterator{q: q, familyID: familyID, filter: filter}
}

func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		page, err := it.q.ListTransactions(ctx, it.familyID, it.filter)
		if err != nil {
			it.err = err
			return false
		}
		it.buf, it.pos = page.Transactions, 0
		if page.NextCursor == "" {
			it.done = true
		} else {
			c, err := DecodeCursor(page.NextCursor)
			if err != nil {
				it.err = err
				return false
			}
			it.filter.Before = c
		}
		if len(it.buf) == 0 {
			return false
		}
	}
	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

// Transaction returns the current element.
func (it *Iterator) Transaction() Transaction { return it.cur }

// Cursor returns a position from which a new iterator resumes right after
// the current element.
func (it *Iterator) Cursor() *Cursor { return CursorOf(it.cur) }

func (it *Iterator) Err() error { return it.err }
