/*
Package postgres provides a PostgreSQL-backed implementation of the ledger stores.

PURPOSE:
  Same contract as store/sqlite, for deployments where several front desks
  and the expiry worker share one database.

CONDITIONAL WRITES:
  BlockUpdate preconditions become extra WHERE terms, exactly as in the
  SQLite adapter. BatchUpdate queues every item on a pgx.Batch inside one
  transaction, so a sweep either lands completely or not at all.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/concession-ledger/concession"
)

// Store implements concession.Store on a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

// New connects to databaseURL and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := NewFromPool(pool)
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromPool wraps an existing pool. The schema is assumed to exist.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		concession_balance INTEGER NOT NULL DEFAULT 0,
		expired_concessions INTEGER NOT NULL DEFAULT 0,
		balance_updated_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		package_id TEXT NOT NULL DEFAULT '',
		package_name TEXT NOT NULL DEFAULT '',
		original_quantity INTEGER NOT NULL CHECK (original_quantity >= 1),
		remaining_quantity INTEGER NOT NULL
			CHECK (remaining_quantity >= 0 AND remaining_quantity <= original_quantity),
		purchase_date TIMESTAMPTZ NOT NULL,
		expiry_date TIMESTAMPTZ,
		status TEXT NOT NULL CHECK (status IN ('active', 'expired', 'depleted')),
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		locked_at TIMESTAMPTZ,
		locked_by TEXT NOT NULL DEFAULT '',
		unlocked_at TIMESTAMPTZ,
		unlocked_by TEXT NOT NULL DEFAULT '',
		price NUMERIC NOT NULL DEFAULT 0,
		payment_method TEXT NOT NULL DEFAULT '',
		transaction_ref TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	);

	-- Unconstrained scale so prices round-trip exactly, as on SQLite.
	ALTER TABLE blocks ALTER COLUMN price TYPE NUMERIC;

	CREATE INDEX IF NOT EXISTS idx_blocks_customer_purchase
		ON blocks(customer_id, purchase_date, id);
	CREATE INDEX IF NOT EXISTS idx_blocks_status_expiry
		ON blocks(status, expiry_date) WHERE expiry_date IS NOT NULL;
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// =============================================================================
// BLOCK STORE
// =============================================================================

const blockColumns = `id, customer_id, customer_name, package_id, package_name,
	original_quantity, remaining_quantity, purchase_date, expiry_date, status,
	is_locked, locked_at, locked_by, unlocked_at, unlocked_by,
	price::text, payment_method, transaction_ref, notes, created_at, created_by, updated_at`

func (s *Store) Get(ctx context.Context, id concession.BlockID) (*concession.Block, error) {
	row := s.db.QueryRow(ctx, "SELECT "+blockColumns+" FROM blocks WHERE id = $1", string(id))
	b, err := scanBlock(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) Put(ctx context.Context, b concession.Block) error {
	query := `
		INSERT INTO blocks (id, customer_id, customer_name, package_id, package_name,
			original_quantity, remaining_quantity, purchase_date, expiry_date, status,
			is_locked, locked_at, locked_by, unlocked_at, unlocked_by,
			price, payment_method, transaction_ref, notes, created_at, created_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16::text::numeric, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			remaining_quantity = EXCLUDED.remaining_quantity,
			status = EXCLUDED.status,
			is_locked = EXCLUDED.is_locked,
			locked_at = EXCLUDED.locked_at,
			locked_by = EXCLUDED.locked_by,
			unlocked_at = EXCLUDED.unlocked_at,
			unlocked_by = EXCLUDED.unlocked_by,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.Exec(ctx, query,
		string(b.ID), string(b.CustomerID), b.CustomerName, b.Package.ID, b.Package.Name,
		b.OriginalQuantity, b.RemainingQuantity, b.PurchaseDate.UTC(), utcPtr(b.ExpiryDate), string(b.Status),
		b.IsLocked, utcPtr(b.LockedAt), b.LockedBy, utcPtr(b.UnlockedAt), b.UnlockedBy,
		b.Price.String(), b.PaymentMethod, b.TransactionRef, b.Notes,
		b.CreatedAt.UTC(), b.CreatedBy, b.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put block: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, u concession.BlockUpdate) error {
	query, args := buildUpdate(u)
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update block %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missOrConflict(ctx, u.ID)
}

// buildUpdate renders a BlockUpdate as one UPDATE with positional
// parameters.
func buildUpdate(u concession.BlockUpdate) (string, []any) {
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"updated_at = " + arg(updatedAt.UTC())}
	if u.RemainingQuantity != nil {
		sets = append(sets, "remaining_quantity = "+arg(*u.RemainingQuantity))
	}
	if u.Status != nil {
		sets = append(sets, "status = "+arg(string(*u.Status)))
	}
	if u.Lock != nil {
		sets = append(sets,
			"is_locked = "+arg(u.Lock.IsLocked),
			"locked_at = "+arg(utcPtr(u.Lock.LockedAt)),
			"locked_by = "+arg(u.Lock.LockedBy),
			"unlocked_at = "+arg(utcPtr(u.Lock.UnlockedAt)),
			"unlocked_by = "+arg(u.Lock.UnlockedBy),
		)
	}

	where := []string{"id = " + arg(string(u.ID))}
	if u.ExpectRemaining != nil {
		where = append(where, "remaining_quantity = "+arg(*u.ExpectRemaining))
	}
	if u.ExpectStatus != nil {
		where = append(where, "status = "+arg(string(*u.ExpectStatus)))
	}
	if u.ExpectLocked != nil {
		where = append(where, "is_locked = "+arg(*u.ExpectLocked))
	}

	return "UPDATE blocks SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

func (s *Store) missOrConflict(ctx context.Context, id concession.BlockID) error {
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM blocks WHERE id = $1)", string(id)).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return concession.ErrNotFound
	}
	return concession.ErrConcurrentModification
}

func (s *Store) Delete(ctx context.Context, id concession.BlockID) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM blocks WHERE id = $1 AND NOT is_locked", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	err = s.missOrConflict(ctx, id)
	if errors.Is(err, concession.ErrConcurrentModification) {
		return concession.ErrLocked
	}
	return err
}

func (s *Store) ListByCustomer(ctx context.Context, customerID concession.CustomerID) ([]concession.Block, error) {
	return s.queryBlocks(ctx,
		"SELECT "+blockColumns+" FROM blocks WHERE customer_id = $1 ORDER BY purchase_date ASC, id ASC",
		string(customerID))
}

func (s *Store) ListExpiring(ctx context.Context, asOf time.Time) ([]concession.Block, error) {
	return s.queryBlocks(ctx, `
		SELECT `+blockColumns+` FROM blocks
		WHERE status = 'active' AND expiry_date IS NOT NULL AND expiry_date <= $1
		ORDER BY purchase_date ASC, id ASC`,
		asOf.UTC())
}

// BatchUpdate sends every update in one round trip inside a transaction.
// Items whose preconditions no longer hold are skipped, not failed.
func (s *Store) BatchUpdate(ctx context.Context, updates []concession.BlockUpdate) ([]concession.BlockID, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, u := range updates {
		query, args := buildUpdate(u)
		batch.Queue(query, args...)
	}

	results := tx.SendBatch(ctx, batch)
	var applied []concession.BlockID
	for _, u := range updates {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return nil, fmt.Errorf("failed to update block %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 1 {
			applied = append(applied, u.ID)
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return applied, nil
}

func (s *Store) queryBlocks(ctx context.Context, query string, args ...any) ([]concession.Block, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []concession.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func scanBlock(row pgx.Row) (concession.Block, error) {
	var (
		b                            concession.Block
		id, customerID, status       string
		price                        string
		expiry, lockedAt, unlockedAt *time.Time
	)

	err := row.Scan(
		&id, &customerID, &b.CustomerName, &b.Package.ID, &b.Package.Name,
		&b.OriginalQuantity, &b.RemainingQuantity, &b.PurchaseDate, &expiry, &status,
		&b.IsLocked, &lockedAt, &b.LockedBy, &unlockedAt, &b.UnlockedBy,
		&price, &b.PaymentMethod, &b.TransactionRef, &b.Notes, &b.CreatedAt, &b.CreatedBy, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return b, err
		}
		return b, fmt.Errorf("failed to scan block: %w", err)
	}

	b.ID = concession.BlockID(id)
	b.CustomerID = concession.CustomerID(customerID)
	b.Status = concession.Status(status)
	b.PurchaseDate = b.PurchaseDate.UTC()
	b.ExpiryDate = utcPtr(expiry)
	b.LockedAt = utcPtr(lockedAt)
	b.UnlockedAt = utcPtr(unlockedAt)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	if b.Price, err = decimal.NewFromString(price); err != nil {
		return b, fmt.Errorf("block %s: bad price %q: %w", id, price, err)
	}
	return b, nil
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

func (s *Store) SaveCustomer(ctx context.Context, c concession.Customer) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO customers (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		string(c.ID), c.Name, createdAt.UTC(),
	)
	return err
}

func (s *Store) GetCustomer(ctx context.Context, id concession.CustomerID) (*concession.Customer, error) {
	c := concession.Customer{ID: id}
	err := s.db.QueryRow(ctx,
		"SELECT name, created_at FROM customers WHERE id = $1", string(id),
	).Scan(&c.Name, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) ListCustomerIDs(ctx context.Context) ([]concession.CustomerID, error) {
	rows, err := s.db.Query(ctx, "SELECT id FROM customers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []concession.CustomerID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, concession.CustomerID(id))
	}
	return ids, rows.Err()
}

func (s *Store) SaveBalance(ctx context.Context, b concession.CustomerBalance) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE customers
		SET concession_balance = $1, expired_concessions = $2, balance_updated_at = $3
		WHERE id = $4`,
		b.ConcessionBalance, b.ExpiredConcessions, b.UpdatedAt.UTC(), string(b.CustomerID),
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return concession.ErrNotFound
	}
	return nil
}

func (s *Store) GetBalance(ctx context.Context, id concession.CustomerID) (*concession.CustomerBalance, error) {
	b := concession.CustomerBalance{CustomerID: id}
	var updatedAt *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT concession_balance, expired_concessions, balance_updated_at
		FROM customers WHERE id = $1`, string(id),
	).Scan(&b.ConcessionBalance, &b.ExpiredConcessions, &updatedAt)
	if err == pgx.ErrNoRows || (err == nil && updatedAt == nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedAt = updatedAt.UTC()
	return &b, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
