/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  The multi-process backend. Several server instances can share one database;
  correctness comes from row locks and unique constraints, not from
  in-process mutexes.

CONCURRENCY:
  WithAccountTx runs one READ COMMITTED transaction:
    1. SELECT ... FROM users ... FOR SHARE      (a concurrent DeleteChild waits)
    2. INSERT INTO accounts ... ON CONFLICT DO NOTHING
    3. SELECT ... FROM accounts ... FOR UPDATE  (same-account applies queue here)
  Different accounts never touch the same rows, so they proceed in parallel.
  Two units racing the same idempotency key on different accounts collide on
  the idempotency_keys primary key; the loser gets ErrDuplicateIdempotencyKey
  and rolls back.

  DeleteChild locks the user row before the accounts, in the same order as
  apply, so the two cannot deadlock.

USAGE:
  store, err := postgres.New(ctx, postgres.Options{URL: os.Getenv("DATABASE_URL")})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: Embedded backend with the same schema
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/store/schema"
)

const uniqueViolation = "23505"

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	url  string
}

var _ ledger.Store = (*Store)(nil)

type Options struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// New connects and applies pending migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(schema.Up, 0); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Open connects without touching the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	return &Store{pool: pool, url: opts.URL}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// =============================================================================
// FAMILIES
// =============================================================================

func (s *Store) CreateFamily(ctx context.Context, f ledger.Family) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO families (id, name, created_at) VALUES ($1, $2, $3)`,
		f.ID, f.Name, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create family: %w", err)
	}
	return nil
}

func (s *Store) GetFamily(ctx context.Context, id ledger.FamilyID) (ledger.Family, error) {
	var f ledger.Family
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM families WHERE id = $1`, id,
	).Scan(&f.ID, &f.Name, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Family{}, &ledger.NotFoundError{Entity: "family", ID: string(id)}
	}
	if err != nil {
		return ledger.Family{}, fmt.Errorf("failed to get family: %w", err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

func (s *Store) ListFamilies(ctx context.Context) ([]ledger.Family, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM families ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	defer rows.Close()

	families := []ledger.Family{}
	for rows.Next() {
		var f ledger.Family
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan family: %w", err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		families = append(families, f)
	}
	return families, rows.Err()
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, family_id, role, display_name, active, created_at, deleted_at`

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, NULL)`,
		u.ID, u.FamilyID, u.Role, u.DisplayName, u.Active, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.User{}, &ledger.NotFoundError{Entity: "user", ID: string(id)}
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, familyID ledger.FamilyID) ([]ledger.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE family_id = $1 ORDER BY id`, familyID)
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
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var role ledger.Role
		err := tx.QueryRow(ctx, `SELECT role FROM users WHERE id = $1 FOR UPDATE`, u.ID).Scan(&role)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ledger.NotFoundError{Entity: "user", ID: string(u.ID)}
		}
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if role != u.Role {
			return ledger.ErrRoleImmutable
		}
		_, err = tx.Exec(ctx,
			`UPDATE users SET display_name = $1, active = $2 WHERE id = $3`,
			u.DisplayName, u.Active, u.ID)
		if err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteChild(ctx context.Context, id ledger.UserID, at time.Time) (int, error) {
	var closed int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET deleted_at = $1, active = FALSE WHERE id = $2 AND deleted_at IS NULL`,
			at, id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &ledger.NotFoundError{Entity: "user", ID: string(id)}
		}
		tag, err = tx.Exec(ctx,
			`UPDATE accounts SET closed = TRUE, updated_at = $1 WHERE child_id = $2 AND NOT closed`,
			at, id)
		if err != nil {
			return fmt.Errorf("failed to close accounts: %w", err)
		}
		closed = tag.RowsAffected()
		return nil
	})
	return int(closed), err
}

func scanUser(row pgx.Row) (ledger.User, error) {
	var u ledger.User
	err := row.Scan(&u.ID, &u.FamilyID, &u.Role, &u.DisplayName, &u.Active, &u.CreatedAt, &u.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, err
	}
	if err != nil {
		return u, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	if u.DeletedAt != nil {
		t := u.DeletedAt.UTC()
		u.DeletedAt = &t
	}
	return u, nil
}

// =============================================================================
// REWARD TYPES
// =============================================================================

const rewardTypeColumns = `id, family_id, name, unit_kind, unit_label, created_at`

func (s *Store) CreateRewardType(ctx context.Context, rt ledger.RewardType) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reward_types (id, family_id, name, name_key, unit_kind, unit_label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rt.ID, rt.FamilyID, rt.Name, ledger.NameKey(rt.Name), rt.UnitKind, rt.UnitLabel, rt.CreatedAt)
	if isUniqueViolation(err, "idx_reward_types_family_name") {
		return ledger.ErrDuplicateRewardType
	}
	if err != nil {
		return fmt.Errorf("failed to create reward type: %w", err)
	}
	return nil
}

func (s *Store) GetRewardType(ctx context.Context, id ledger.RewardTypeID) (ledger.RewardType, error) {
	rt, err := scanRewardType(s.pool.QueryRow(ctx,
		`SELECT `+rewardTypeColumns+` FROM reward_types WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.RewardType{}, &ledger.NotFoundError{Entity: "reward type", ID: string(id)}
	}
	return rt, err
}

func (s *Store) ListRewardTypes(ctx context.Context, familyID ledger.FamilyID) ([]ledger.RewardType, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rewardTypeColumns+` FROM reward_types WHERE family_id = $1 ORDER BY id`, familyID)
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE reward_types SET name = $1, name_key = $2 WHERE id = $3`,
		name, ledger.NameKey(name), id)
	if isUniqueViolation(err, "idx_reward_types_family_name") {
		return ledger.ErrDuplicateRewardType
	}
	if err != nil {
		return fmt.Errorf("failed to rename reward type: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Entity: "reward type", ID: string(id)}
	}
	return nil
}

func scanRewardType(row pgx.Row) (ledger.RewardType, error) {
	var rt ledger.RewardType
	err := row.Scan(&rt.ID, &rt.FamilyID, &rt.Name, &rt.UnitKind, &rt.UnitLabel, &rt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rt, err
	}
	if err != nil {
		return rt, fmt.Errorf("failed to scan reward type: %w", err)
	}
	rt.CreatedAt = rt.CreatedAt.UTC()
	return rt, nil
}

// =============================================================================
// LEDGER - committed reads
// =============================================================================

const transactionColumns = `t.id, t.family_id, t.child_id, t.reward_type_id, t.tx_type, t.value, t.note,
	t.idempotency_key, COALESCE(t.created_by, ''), COALESCE(t.reverses_id, ''), t.balance_after, t.created_at`

func (s *Store) LookupIdempotency(ctx context.Context, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	return lookup(ctx, s.pool, familyID, key)
}

func lookup(ctx context.Context, q querier, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	tx, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+transactionColumns+`
		 FROM idempotency_keys k JOIN transactions t ON t.id = k.transaction_id
		 WHERE k.family_id = $1 AND k.idem_key = $2`, familyID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return tx, true, nil
}

func (s *Store) GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, bool, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT family_id, child_id, reward_type_id, balance, closed, updated_at
		 FROM accounts WHERE child_id = $1 AND reward_type_id = $2`,
		key.ChildID, key.RewardTypeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, familyID ledger.FamilyID, id ledger.TransactionID) (ledger.Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions t WHERE t.id = $1 AND t.family_id = $2`,
		id, familyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: string(id)}
	}
	return tx, err
}

func (s *Store) ListTransactions(ctx context.Context, familyID ledger.FamilyID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var (
		where = []string{"t.family_id = $1"}
		args  = []any{familyID}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ChildID != "" {
		where = append(where, "t.child_id = "+arg(filter.ChildID))
	}
	if filter.RewardTypeID != "" {
		where = append(where, "t.reward_type_id = "+arg(filter.RewardTypeID))
	}
	if filter.Type != "" {
		where = append(where, "t.tx_type = "+arg(filter.Type))
	}
	if c := filter.Before; c != nil {
		at := arg(c.CreatedAt)
		where = append(where, fmt.Sprintf("(t.created_at < %s OR (t.created_at = %s AND t.id < %s))", at, at, arg(c.ID)))
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions t
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY t.created_at DESC, t.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var tx ledger.Transaction
	err := row.Scan(
		&tx.ID, &tx.FamilyID, &tx.Account.ChildID, &tx.Account.RewardTypeID,
		&tx.Type, &tx.Value, &tx.Note, &tx.IdempotencyKey,
		&tx.CreatedBy, &tx.ReversesID, &tx.BalanceAfter, &tx.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tx, err
	}
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a       ledger.Account
		updated *time.Time
	)
	err := row.Scan(&a.FamilyID, &a.Key.ChildID, &a.Key.RewardTypeID, &a.Balance, &a.Closed, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	if updated != nil {
		a.UpdatedAt = updated.UTC()
	}
	return a, nil
}

// =============================================================================
// TRANSACTIONAL UNIT (ledger.AccountTx)
// =============================================================================

// WithAccountTx executes fn within one database transaction. The account row
// lock is taken by LockAccount.
func (s *Store) WithAccountTx(ctx context.Context, _ ledger.FamilyID, _ ledger.AccountKey, fn func(ledger.AccountTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&accountTx{tx: tx})
	})
}

type accountTx struct {
	tx pgx.Tx
}

func (a *accountTx) LockAccount(ctx context.Context, familyID ledger.FamilyID, key ledger.AccountKey) (ledger.Account, error) {
	var deletedAt *time.Time
	err := a.tx.QueryRow(ctx,
		`SELECT deleted_at FROM users WHERE id = $1 FOR SHARE`, key.ChildID,
	).Scan(&deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, &ledger.NotFoundError{Entity: "user", ID: string(key.ChildID)}
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to lock child: %w", err)
	}

	_, err = a.tx.Exec(ctx,
		`INSERT INTO accounts (child_id, reward_type_id, family_id) VALUES ($1, $2, $3)
		 ON CONFLICT (child_id, reward_type_id) DO NOTHING`,
		key.ChildID, key.RewardTypeID, familyID)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	acct, err := scanAccount(a.tx.QueryRow(ctx,
		`SELECT family_id, child_id, reward_type_id, balance, closed, updated_at
		 FROM accounts WHERE child_id = $1 AND reward_type_id = $2 FOR UPDATE`,
		key.ChildID, key.RewardTypeID))
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to lock account: %w", err)
	}
	acct.Closed = acct.Closed || deletedAt != nil
	return acct, nil
}

func (a *accountTx) Lookup(ctx context.Context, familyID ledger.FamilyID, key string) (ledger.Transaction, bool, error) {
	return lookup(ctx, a.tx, familyID, key)
}

func (a *accountTx) Record(ctx context.Context, familyID ledger.FamilyID, key string, txID ledger.TransactionID) error {
	_, err := a.tx.Exec(ctx,
		`INSERT INTO idempotency_keys (family_id, idem_key, transaction_id) VALUES ($1, $2, $3)`,
		familyID, key, txID)
	if isUniqueViolation(err, "idempotency_keys_pkey") {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

func (a *accountTx) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := a.tx.Exec(ctx,
		`INSERT INTO transactions
		 (id, family_id, child_id, reward_type_id, tx_type, value, note,
		  idempotency_key, created_by, reverses_id, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)`,
		tx.ID, tx.FamilyID, tx.Account.ChildID, tx.Account.RewardTypeID, tx.Type, tx.Value, tx.Note,
		tx.IdempotencyKey, string(tx.CreatedBy), string(tx.ReversesID), tx.BalanceAfter, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (a *accountTx) SetBalance(ctx context.Context, key ledger.AccountKey, balance int64, at time.Time) error {
	_, err := a.tx.Exec(ctx,
		`UPDATE accounts SET balance = $1, updated_at = $2 WHERE child_id = $3 AND reward_type_id = $4`,
		balance, at, key.ChildID, key.RewardTypeID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, family_id, actor_id, action, payload, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		e.ID, e.FamilyID, string(e.ActorID), e.Action, payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, familyID ledger.FamilyID, limit int) ([]ledger.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, family_id, COALESCE(actor_id, ''), action, payload, created_at FROM audit_log
		 WHERE family_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	entries := []ledger.AuditEntry{}
	for rows.Next() {
		var e ledger.AuditEntry
		if err := rows.Scan(&e.ID, &e.FamilyID, &e.ActorID, &e.Action, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
