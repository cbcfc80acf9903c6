/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  The default durable backend. One file, no server, suitable for a single
  household deployment. PostgreSQL (store/postgres) implements the same
  interface for multi-process deployments.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on transactions or idempotency_keys
  - Triggers abort any UPDATE/DELETE on transactions
  - Corrections via reversal transactions only

KEY TABLES:
  families, users, reward_types: Entities (users are soft-deleted)
  accounts:         Running balance per (child, reward type)
  transactions:     Immutable ledger of all balance changes
  idempotency_keys: (family_id, idem_key) -> transaction, primary key enforced
  audit_log:        Entity mutations

INDEXES:
  - idx_transactions_family_created:  History pages (hot path)
  - idx_transactions_account_created: Per-account history
  - idx_reward_types_family_name:     Unique reward type names per family

CONCURRENCY:
  SQLite has a single writer. Writers are serialized by s.mu and every
  write transaction starts with BEGIN IMMEDIATE (_txlock=immediate), so the
  balance read inside WithAccountTx cannot go stale before commit. Reads take
  no lock.

WAL MODE:
  Opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  New applies the embedded golang-migrate migrations (migrations/*.sql).
  Open skips them; cmd/migrate uses Open + Migrate.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Server backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/store/schema"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

var _ ledger.Store = (*Store)(nil)

const dsnParams = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// New opens the database and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	s, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(schema.Up, 0); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Open opens the database without touching the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// write runs fn in a serialized write transaction.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// =============================================================================
// FAMILIES
// =============================================================================

func (s *Store) CreateFamily(ctx context.Context, f ledger.Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO families (id, name, created_at) VALUES (?, ?, ?)`,
		f.ID, f.Name, toNanos(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create family: %w", err)
	}
	return nil
}

func (s *Store) GetFamily(ctx context.Context, id ledger.FamilyID) (ledger.Family, error) {
	var (
		f       ledger.Family
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM families WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Family{}, &ledger.NotFoundError{Entity: "family", ID: string(id)}
	}
	if err != nil {
		return ledger.Family{}, fmt.Errorf("failed to get family: %w", err)
	}
	f.CreatedAt = fromNanos(created)
	return f, nil
}

func (s *Store) ListFamilies(ctx context.Context) ([]ledger.Family, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM families ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	defer rows.Close()

	families := []ledger.Family{}
	for rows.Next() {
		var (
			f       ledger.Family
			created int64
		)
		if err := rows.Scan(&f.ID, &f.Name, &created); err != nil {
			return nil, fmt.Errorf("failed to scan family: %w", err)
		}
		f.CreatedAt = fromNanos(created)
		families = append(families, f)
	}
	return families, rows.Err()
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, family_id, role, display_name, active, created_at, deleted_at`

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		u.ID, u.FamilyID, u.Role, u.DisplayName, u.Active, toNanos(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, &ledger.NotFoundError{Entity: "user", ID: string(id)}
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, familyID ledger.FamilyID) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE family_id = ? ORDER BY id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []ledger.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, u ledger.User) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var role ledger.Role
		err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, u.ID).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return &ledger.NotFoundError{Entity: "user", ID: string(u.ID)}
		}
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if role != u.Role {
			return ledger.ErrRoleImmutable
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET display_name = ?, active = ? WHERE id = ?`,
			u.DisplayName, u.Active, u.ID)
		if err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteChild(ctx context.Context, id ledger.UserID, at time.Time) (int, error) {
	var closed int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET deleted_at = ?, active = 0 WHERE id = ? AND deleted_at IS NULL`,
			toNanos(at), id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ledger.NotFoundError{Entity: "user", ID: string(id)}
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE accounts SET closed = 1, updated_at = ? WHERE child_id = ? AND closed = 0`,
			toNanos(at), id)
		if err != nil {
			return fmt.Errorf("failed to close accounts: %w", err)
		}
		closed, _ = res.RowsAffected()
		return nil
	})
	return int(closed), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (ledger.User, error) {
	var (
		u       ledger.User
		created int64
		deleted sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.FamilyID, &u.Role, &u.DisplayName, &u.Active, &created, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return u, err
	}
	if err != nil {
		return u, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreatedAt = fromNanos(created)
	if deleted.Valid {
		t := fromNanos(deleted.Int64)
		u.DeletedAt = &t
	}
	return u, nil
}

// =============================================================================
// REWARD TYPES
// =============================================================================

const rewardTypeColumns = `id, family_id, name, unit_kind, unit_label, created_at`

func (s *Store) CreateRewardType(ctx context.Context, rt ledger.RewardType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reward_types (id, family_id, name, name_key, unit_kind, unit_label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.FamilyID, rt.Name, ledger.NameKey(rt.Name), rt.UnitKind, rt.UnitLabel, toNanos(rt.CreatedAt))
	if isUniqueConstraintError(err, "reward_types.") {
		return ledger.ErrDuplicateRewardType
	}
	if err != nil {
		return fmt.Errorf("failed to create reward type: %w", err)
	}
	return nil
}

func (s *Store) GetRewardType(ctx context.Context, id ledger.RewardTypeID) (ledger.RewardType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rewardTypeColumns+` FROM reward_types WHERE id = ?`, id)
	rt, err := scanRewardType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.RewardType{}, &ledger.NotFoundError{Entity: "reward type", ID: string(id)}
	}
	return rt, err
}

func (s *Store) ListRewardTypes(ctx context.Context, familyID ledger.FamilyID) ([]ledger.RewardType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rewardTypeColumns+` FROM reward_types WHERE family_id = ? ORDER BY id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reward types: %w", err)
	}
	defer rows.Close()

	rts := []ledger.RewardType{}
	for rows.Next() {
		rt, err := scanRewardType(rows)
		if err != nil {
			return nil, err
		}
		rts = append(rts, rt)
	}
	return rts, rows.Err()
}

func (s *Store) RenameRewardType(ctx context.Context, id ledger.RewardTypeID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE reward_types SET name = ?, name_key = ? WHERE id = ?`,
		name, ledger.NameKey(name), id)
	if isUniqueConstraintError(err, "reward_types.") {
		return ledger.ErrDuplicateRewardType
	}
	if err != nil {
		return fmt.Errorf("failed to rename reward type: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Entity: "reward type", ID: string(id)}
	}
	return nil
}

func scanRewardType(row scanner) (ledger.RewardType, error) {
	var (
		rt      ledger.RewardType
		created int64
	)
	err := row.Scan(&rt.ID, &rt.FamilyID, &rt.Name, &rt.UnitKind, &rt.UnitLabel, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return rt, err
	}
	if err != nil {
		return rt, fmt.Errorf("failed to scan reward type: %w", err)
	}
	rt.CreatedAt = fromNanos(created)
	return rt, nil
}

// =============================================================================
// LEDGER - committed reads
// =============================================================================

const transactionColumns = `t.id, t.family_id, t.child_id, t.reward_type_id, t.tx_type, t.value, t.note,
	t.idempotency_key, t.created_by, t.reverses_id, t.balance_after, t.created_at`

func (s *Store) LookupIdempotency(ctx context.Context, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	return lookup(ctx, s.db, familyID, key)
}

func lookup(ctx context.Context, q querier, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM idempotency_keys k JOIN transactions t ON t.id = k.transaction_id
		 WHERE k.family_id = ? AND k.idem_key = ?`, familyID, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return tx, true, nil
}

func (s *Store) GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, bool, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT family_id, child_id, reward_type_id, balance, closed, updated_at
		 FROM accounts WHERE child_id = ? AND reward_type_id = ?`,
		key.ChildID, key.RewardTypeID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, familyID ledger.FamilyID, id ledger.TransactionID) (ledger.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions t WHERE t.id = ? AND t.family_id = ?`,
		id, familyID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: string(id)}
	}
	return tx, err
}

func (s *Store) ListTransactions(ctx context.Context, familyID ledger.FamilyID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var (
		where = []string{"t.family_id = ?"}
		args  = []any{familyID}
	)
	if filter.ChildID != "" {
		where = append(where, "t.child_id = ?")
		args = append(args, filter.ChildID)
	}
	if filter.RewardTypeID != "" {
		where = append(where, "t.reward_type_id = ?")
		args = append(args, filter.RewardTypeID)
	}
	if filter.Type != "" {
		where = append(where, "t.tx_type = ?")
		args = append(args, filter.Type)
	}
	if c := filter.Before; c != nil {
		where = append(where, "(t.created_at < ? OR (t.created_at = ? AND t.id < ?))")
		args = append(args, toNanos(c.CreatedAt), toNanos(c.CreatedAt), c.ID)
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions t
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY t.created_at DESC, t.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		createdBy sql.NullString
		reverses  sql.NullString
		created   int64
	)
	err := row.Scan(
		&tx.ID, &tx.FamilyID, &tx.Account.ChildID, &tx.Account.RewardTypeID,
		&tx.Type, &tx.Value, &tx.Note, &tx.IdempotencyKey,
		&createdBy, &reverses, &tx.BalanceAfter, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return tx, err
	}
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.CreatedBy = ledger.UserID(createdBy.String)
	tx.ReversesID = ledger.TransactionID(reverses.String)
	tx.CreatedAt = fromNanos(created)
	return tx, nil
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a       ledger.Account
		updated int64
	)
	err := row.Scan(&a.FamilyID, &a.Key.ChildID, &a.Key.RewardTypeID, &a.Balance, &a.Closed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

// =============================================================================
// TRANSACTIONAL UNIT (ledger.AccountTx)
// =============================================================================

// WithAccountTx executes fn within one database transaction.
func (s *Store) WithAccountTx(ctx context.Context, _ ledger.FamilyID, _ ledger.AccountKey, fn func(ledger.AccountTx) error) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return fn(&accountTx{tx: tx})
	})
}

type accountTx struct {
	tx *sql.Tx
}

func (a *accountTx) LockAccount(ctx context.Context, familyID ledger.FamilyID, key ledger.AccountKey) (ledger.Account, error) {
	_, err := a.tx.ExecContext(ctx,
		`INSERT INTO accounts (child_id, reward_type_id, family_id) VALUES (?, ?, ?)
		 ON CONFLICT (child_id, reward_type_id) DO NOTHING`,
		key.ChildID, key.RewardTypeID, familyID)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	acct, err := scanAccount(a.tx.QueryRowContext(ctx,
		`SELECT a.family_id, a.child_id, a.reward_type_id, a.balance,
		        a.closed OR u.deleted_at IS NOT NULL, a.updated_at
		 FROM accounts a JOIN users u ON u.id = a.child_id
		 WHERE a.child_id = ? AND a.reward_type_id = ?`,
		key.ChildID, key.RewardTypeID))
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to lock account: %w", err)
	}
	return acct, nil
}

func (a *accountTx) Lookup(ctx context.Context, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	return lookup(ctx, a.tx, familyID, key)
}

func (a *accountTx) Record(ctx context.Context, familyID ledger.FamilyID, key string, txID ledger.TransactionID) error {
	_, err := a.tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (family_id, idem_key, transaction_id) VALUES (?, ?, ?)`,
		familyID, key, txID)
	if isUniqueConstraintError(err, "idempotency_keys.") {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

func (a *accountTx) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := a.tx.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, family_id, child_id, reward_type_id, tx_type, value, note,
		  idempotency_key, created_by, reverses_id, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.FamilyID, tx.Account.ChildID, tx.Account.RewardTypeID, tx.Type, tx.Value, tx.Note,
		tx.IdempotencyKey, nullString(string(tx.CreatedBy)), nullString(string(tx.ReversesID)),
		tx.BalanceAfter, toNanos(tx.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (a *accountTx) SetBalance(ctx context.Context, key ledger.AccountKey, balance int64, at time.Time) error {
	_, err := a.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE child_id = ? AND reward_type_id = ?`,
		balance, toNanos(at), key.ChildID, key.RewardTypeID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, family_id, actor_id, action, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.FamilyID, nullString(string(e.ActorID)), e.Action, string(payload), toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, familyID ledger.FamilyID, limit int) ([]ledger.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family_id, actor_id, action, payload, created_at FROM audit_log
		 WHERE family_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	entries := []ledger.AuditEntry{}
	for rows.Next() {
		var (
			e       ledger.AuditEntry
			actor   sql.NullString
			payload string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.FamilyID, &actor, &e.Action, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload: %w", err)
		}
		e.ActorID = ledger.UserID(actor.String)
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Timestamps are stored as unix nanoseconds; 0 means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// isUniqueConstraintError reports a UNIQUE/PRIMARY KEY violation on table
// (given as "name." to match sqlite's "table.column" message format).
func isUniqueConstraintError(err error, table string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.Contains(se.Error(), table)
}
