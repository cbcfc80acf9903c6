// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	families     map[ledger.FamilyID]ledger.Family
	users        map[ledger.UserID]ledger.User
	rewardTypes  map[ledger.RewardTypeID]ledger.RewardType
	accounts     map[ledger.AccountKey]ledger.Account
	transactions map[ledger.FamilyID][]ledger.Transaction
	byID         map[ledger.TransactionID]ledger.Transaction
	idempotency  map[idemKey]ledger.TransactionID
	audit        map[ledger.FamilyID][]ledger.AuditEntry

	// One mutex per account serializes units of work on that account only.
	locks sync.Map // ledger.AccountKey -> *sync.Mutex
}

type idemKey struct {
	FamilyID ledger.FamilyID
	Key      string
}

func NewMemory() *Memory {
	return &Memory{
		families:     make(map[ledger.FamilyID]ledger.Family),
		users:        make(map[ledger.UserID]ledger.User),
		rewardTypes:  make(map[ledger.RewardTypeID]ledger.RewardType),
		accounts:     make(map[ledger.AccountKey]ledger.Account),
		transactions: make(map[ledger.FamilyID][]ledger.Transaction),
		byID:         make(map[ledger.TransactionID]ledger.Transaction),
		idempotency:  make(map[idemKey]ledger.TransactionID),
		audit:        make(map[ledger.FamilyID][]ledger.AuditEntry),
	}
}

var _ ledger.Store = (*Memory)(nil)

func (m *Memory) Close() error { return nil }

// =============================================================================
// ENTITIES
// =============================================================================

func (m *Memory) CreateFamily(_ context.Context, f ledger.Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families[f.ID] = f
	return nil
}

func (m *Memory) GetFamily(_ context.Context, id ledger.FamilyID) (ledger.Family, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.families[id]
	if !ok {
		return ledger.Family{}, &ledger.NotFoundError{Entity: "family", ID: string(id)}
	}
	return f, nil
}

func (m *Memory) ListFamilies(_ context.Context) ([]ledger.Family, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Family, 0, len(m.families))
	for _, f := range m.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.families[u.FamilyID]; !ok {
		return &ledger.NotFoundError{Entity: "family", ID: string(u.FamilyID)}
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.User{}, &ledger.NotFoundError{Entity: "user", ID: string(id)}
	}
	return u, nil
}

func (m *Memory) ListUsers(_ context.Context, familyID ledger.FamilyID) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ledger.User{}
	for _, u := range m.users {
		if u.FamilyID == familyID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "user", ID: string(u.ID)}
	}
	if cur.Role != u.Role {
		return ledger.ErrRoleImmutable
	}
	cur.DisplayName = u.DisplayName
	cur.Active = u.Active
	m.users[u.ID] = cur
	return nil
}

func (m *Memory) DeleteChild(_ context.Context, id ledger.UserID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Deleted() {
		return 0, &ledger.NotFoundError{Entity: "user", ID: string(id)}
	}
	u.DeletedAt = &at
	u.Active = false
	m.users[id] = u

	closed := 0
	for k, a := range m.accounts {
		if k.ChildID == id && !a.Closed {
			a.Closed = true
			a.UpdatedAt = at
			m.accounts[k] = a
			closed++
		}
	}
	return closed, nil
}

func (m *Memory) CreateRewardType(_ context.Context, rt ledger.RewardType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.families[rt.FamilyID]; !ok {
		return &ledger.NotFoundError{Entity: "family", ID: string(rt.FamilyID)}
	}
	if m.nameTakenLocked(rt.FamilyID, rt.ID, rt.Name) {
		return ledger.ErrDuplicateRewardType
	}
	m.rewardTypes[rt.ID] = rt
	return nil
}

func (m *Memory) GetRewardType(_ context.Context, id ledger.RewardTypeID) (ledger.RewardType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.rewardTypes[id]
	if !ok {
		return ledger.RewardType{}, &ledger.NotFoundError{Entity: "reward type", ID: string(id)}
	}
	return rt, nil
}

func (m *Memory) ListRewardTypes(_ context.Context, familyID ledger.FamilyID) ([]ledger.RewardType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ledger.RewardType{}
	for _, rt := range m.rewardTypes {
		if rt.FamilyID == familyID {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RenameRewardType(_ context.Context, id ledger.RewardTypeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.rewardTypes[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "reward type", ID: string(id)}
	}
	if m.nameTakenLocked(rt.FamilyID, id, name) {
		return ledger.ErrDuplicateRewardType
	}
	rt.Name = name
	m.rewardTypes[id] = rt
	return nil
}

func (m *Memory) nameTakenLocked(familyID ledger.FamilyID, self ledger.RewardTypeID, name string) bool {
	key := ledger.NameKey(name)
	for _, rt := range m.rewardTypes {
		if rt.FamilyID == familyID && rt.ID != self && ledger.NameKey(rt.Name) == key {
			return true
		}
	}
	return false
}

// =============================================================================
// LEDGER - committed reads
// =============================================================================

func (m *Memory) LookupIdempotency(_ context.Context, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(familyID, key)
}

func (m *Memory) lookupLocked(familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	id, ok := m.idempotency[idemKey{FamilyID: familyID, Key: key}]
	if !ok {
		return ledger.Transaction{}, false, nil
	}
	return m.byID[id], true, nil
}

func (m *Memory) GetAccount(_ context.Context, key ledger.AccountKey) (ledger.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[key]
	return a, ok, nil
}

func (m *Memory) GetTransaction(_ context.Context, familyID ledger.FamilyID, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	if !ok || tx.FamilyID != familyID {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: string(id)}
	}
	return tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, familyID ledger.FamilyID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	var result []ledger.Transaction
	for _, tx := range m.transactions[familyID] {
		if filter.Matches(tx) {
			result = append(result, tx)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL UNIT
// =============================================================================

// WithAccountTx runs fn holding the account's mutex. Writes are staged in a
// view and applied in one step under the store lock; if fn fails the view is
// discarded and nothing changes.
func (m *Memory) WithAccountTx(ctx context.Context, familyID ledger.FamilyID, key ledger.AccountKey, fn func(ledger.AccountTx) error) error {
	mu := m.accountLock(key)
	mu.Lock()
	defer mu.Unlock()

	view := &txView{parent: m, familyID: familyID, key: key}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) accountLock(key ledger.AccountKey) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Memory) commit(v *txView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Atomic check: another account may have taken a key, or the child may
	// have been deleted since LockAccount.
	for k := range v.keys {
		if _, taken := m.idempotency[idemKey{FamilyID: v.familyID, Key: k}]; taken {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	if len(v.txs) > 0 {
		if u, ok := m.users[v.key.ChildID]; ok && u.Deleted() {
			return ledger.ErrAccountClosed
		}
		if a, ok := m.accounts[v.key]; ok && a.Closed {
			return ledger.ErrAccountClosed
		}
	}

	// Atomic write
	for _, tx := range v.txs {
		m.transactions[tx.FamilyID] = append(m.transactions[tx.FamilyID], tx)
		m.byID[tx.ID] = tx
	}
	for k, id := range v.keys {
		m.idempotency[idemKey{FamilyID: v.familyID, Key: k}] = id
	}
	if v.balanceSet {
		a := m.accounts[v.key]
		a.FamilyID = v.familyID
		a.Key = v.key
		a.Balance = v.balance
		a.UpdatedAt = v.updatedAt
		m.accounts[v.key] = a
	}
	return nil
}

type txView struct {
	parent   *Memory
	familyID ledger.FamilyID
	key      ledger.AccountKey

	txs        []ledger.Transaction
	keys       map[string]ledger.TransactionID
	balance    int64
	balanceSet bool
	updatedAt  time.Time
}

func (v *txView) LockAccount(_ context.Context, familyID ledger.FamilyID, key ledger.AccountKey) (ledger.Account, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	a, ok := v.parent.accounts[key]
	if !ok {
		a = ledger.Account{FamilyID: familyID, Key: key}
	}
	if u, ok := v.parent.users[key.ChildID]; ok && u.Deleted() {
		a.Closed = true
	}
	if v.balanceSet {
		a.Balance = v.balance
	}
	return a, nil
}

func (v *txView) Lookup(_ context.Context, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	if id, ok := v.keys[key]; ok && familyID == v.familyID {
		for _, tx := range v.txs {
			if tx.ID == id {
				return tx, true, nil
			}
		}
	}
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return v.parent.lookupLocked(familyID, key)
}

func (v *txView) Record(ctx context.Context, familyID ledger.FamilyID, key string, txID ledger.TransactionID) error {
	if _, ok, _ := v.Lookup(ctx, familyID, key); ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if v.keys == nil {
		v.keys = make(map[string]ledger.TransactionID)
	}
	v.keys[key] = txID
	return nil
}

func (v *txView) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	v.txs = append(v.txs, tx)
	return nil
}

func (v *txView) SetBalance(_ context.Context, _ ledger.AccountKey, balance int64, at time.Time) error {
	v.balance = balance
	v.balanceSet = true
	v.updatedAt = at
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[e.FamilyID] = append(m.audit[e.FamilyID], e)
	return nil
}

// ListAudit returns the newest entries first.
func (m *Memory) ListAudit(_ context.Context, familyID ledger.FamilyID, limit int) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.audit[familyID]
	out := make([]ledger.AuditEntry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
