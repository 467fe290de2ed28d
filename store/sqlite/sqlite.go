/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements concession.BlockStore and concession.CustomerStore on an
  embedded SQLite database. Suitable for a single studio front desk or
  for local development; the PostgreSQL adapter in store/postgres serves
  the same contract for shared deployments.

KEY TABLES:
  customers: customer records plus the balance projection columns
  blocks:    one row per concession block

INDEXES:
  - idx_blocks_customer_purchase: per-customer listing in FIFO order (hot path)
  - idx_blocks_status_expiry:     expiry sweep candidates

TIMESTAMPS:
  Stored as fixed-width UTC text so that lexical order equals time order
  and range predicates can run in SQL.

CONDITIONAL WRITES:
  BlockUpdate preconditions become extra WHERE terms. Zero rows affected
  is resolved into ErrNotFound or ErrConcurrentModification with a
  follow-up existence check.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and WAL mode so readers don't block.

USAGE:
  store, err := sqlite.New("./data/concessions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := concession.NewLedgerFromStore(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/concession-ledger/concession"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements concession.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to ":memory:" is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		concession_balance INTEGER NOT NULL DEFAULT 0,
		expired_concessions INTEGER NOT NULL DEFAULT 0,
		balance_updated_at TEXT
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
		purchase_date TEXT NOT NULL,
		expiry_date TEXT,
		status TEXT NOT NULL CHECK (status IN ('active', 'expired', 'depleted')),
		is_locked INTEGER NOT NULL DEFAULT 0,
		locked_at TEXT,
		locked_by TEXT NOT NULL DEFAULT '',
		unlocked_at TEXT,
		unlocked_by TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '0',
		payment_method TEXT NOT NULL DEFAULT '',
		transaction_ref TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_customer_purchase
		ON blocks(customer_id, purchase_date, id);
	CREATE INDEX IF NOT EXISTS idx_blocks_status_expiry
		ON blocks(status, expiry_date) WHERE expiry_date IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BLOCK STORE (concession.BlockStore interface)
// =============================================================================

const blockColumns = `id, customer_id, customer_name, package_id, package_name,
	original_quantity, remaining_quantity, purchase_date, expiry_date, status,
	is_locked, locked_at, locked_by, unlocked_at, unlocked_by,
	price, payment_method, transaction_ref, notes, created_at, created_by, updated_at`

// Get retrieves a block by ID. Returns (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id concession.BlockID) (*concession.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+blockColumns+" FROM blocks WHERE id = ?", id)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Put inserts or replaces a block.
func (s *Store) Put(ctx context.Context, b concession.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO blocks (` + blockColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remaining_quantity = excluded.remaining_quantity,
			status = excluded.status,
			is_locked = excluded.is_locked,
			locked_at = excluded.locked_at,
			locked_by = excluded.locked_by,
			unlocked_at = excluded.unlocked_at,
			unlocked_by = excluded.unlocked_by,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.CustomerID, b.CustomerName, b.Package.ID, b.Package.Name,
		b.OriginalQuantity, b.RemainingQuantity,
		formatTime(b.PurchaseDate), formatTimePtr(b.ExpiryDate), string(b.Status),
		b.IsLocked, formatTimePtr(b.LockedAt), b.LockedBy, formatTimePtr(b.UnlockedAt), b.UnlockedBy,
		b.Price.String(), b.PaymentMethod, b.TransactionRef, b.Notes,
		formatTime(b.CreatedAt), b.CreatedBy, formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put block: %w", err)
	}
	return nil
}

// Update applies a conditional partial write.
func (s *Store) Update(ctx context.Context, u concession.BlockUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.updateTx(ctx, s.db, u)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missOrConflict(ctx, u.ID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) updateTx(ctx context.Context, db execer, u concession.BlockUpdate) (int64, error) {
	query, args := buildUpdate(u)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update block %s: %w", u.ID, err)
	}
	return res.RowsAffected()
}

func buildUpdate(u concession.BlockUpdate) (string, []any) {
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(updatedAt)}
	if u.RemainingQuantity != nil {
		sets = append(sets, "remaining_quantity = ?")
		args = append(args, *u.RemainingQuantity)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Lock != nil {
		sets = append(sets, "is_locked = ?", "locked_at = ?", "locked_by = ?", "unlocked_at = ?", "unlocked_by = ?")
		args = append(args, u.Lock.IsLocked, formatTimePtr(u.Lock.LockedAt), u.Lock.LockedBy,
			formatTimePtr(u.Lock.UnlockedAt), u.Lock.UnlockedBy)
	}

	where := []string{"id = ?"}
	args = append(args, u.ID)
	if u.ExpectRemaining != nil {
		where = append(where, "remaining_quantity = ?")
		args = append(args, *u.ExpectRemaining)
	}
	if u.ExpectStatus != nil {
		where = append(where, "status = ?")
		args = append(args, string(*u.ExpectStatus))
	}
	if u.ExpectLocked != nil {
		where = append(where, "is_locked = ?")
		args = append(args, *u.ExpectLocked)
	}

	return "UPDATE blocks SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

func (s *Store) missOrConflict(ctx context.Context, id concession.BlockID) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks WHERE id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return concession.ErrNotFound
	}
	return concession.ErrConcurrentModification
}

// Delete removes an unlocked block.
func (s *Store) Delete(ctx context.Context, id concession.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM blocks WHERE id = ? AND is_locked = 0", id)
	if err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	err = s.missOrConflict(ctx, id)
	if errors.Is(err, concession.ErrConcurrentModification) {
		return concession.ErrLocked
	}
	return err
}

// ListByCustomer returns the customer's blocks, oldest purchase first.
func (s *Store) ListByCustomer(ctx context.Context, customerID concession.CustomerID) ([]concession.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBlocks(ctx,
		"SELECT "+blockColumns+" FROM blocks WHERE customer_id = ? ORDER BY purchase_date ASC, id ASC",
		customerID)
}

// ListExpiring returns active blocks with expiry_date <= asOf.
func (s *Store) ListExpiring(ctx context.Context, asOf time.Time) ([]concession.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBlocks(ctx, `
		SELECT `+blockColumns+` FROM blocks
		WHERE status = 'active' AND expiry_date IS NOT NULL AND expiry_date <= ?
		ORDER BY purchase_date ASC, id ASC`,
		formatTime(asOf))
}

// BatchUpdate applies all updates in one database transaction.
func (s *Store) BatchUpdate(ctx context.Context, updates []concession.BlockUpdate) ([]concession.BlockID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var applied []concession.BlockID
	for _, u := range updates {
		n, err := s.updateTx(ctx, sqlTx, u)
		if err != nil {
			return nil, err
		}
		if n == 1 {
			applied = append(applied, u.ID)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return applied, nil
}

func (s *Store) queryBlocks(ctx context.Context, query string, args ...any) ([]concession.Block, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (concession.Block, error) {
	var (
		b                            concession.Block
		status, price                string
		purchase, created, updated   string
		expiry, lockedAt, unlockedAt sql.NullString
	)

	err := row.Scan(
		&b.ID, &b.CustomerID, &b.CustomerName, &b.Package.ID, &b.Package.Name,
		&b.OriginalQuantity, &b.RemainingQuantity, &purchase, &expiry, &status,
		&b.IsLocked, &lockedAt, &b.LockedBy, &unlockedAt, &b.UnlockedBy,
		&price, &b.PaymentMethod, &b.TransactionRef, &b.Notes, &created, &b.CreatedBy, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan block: %w", err)
	}

	b.Status = concession.Status(status)
	b.PurchaseDate = parseTime(purchase)
	b.ExpiryDate = parseTimePtr(expiry)
	b.LockedAt = parseTimePtr(lockedAt)
	b.UnlockedAt = parseTimePtr(unlockedAt)
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	if b.Price, err = decimal.NewFromString(price); err != nil {
		return b, fmt.Errorf("block %s: bad price %q: %w", b.ID, price, err)
	}
	return b, nil
}

// =============================================================================
// CUSTOMER STORE (concession.CustomerStore interface)
// =============================================================================

// SaveCustomer creates a customer or renames an existing one.
func (s *Store) SaveCustomer(ctx context.Context, c concession.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO customers (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, formatTime(createdAt))
	return err
}

// GetCustomer retrieves a customer by ID. Returns (nil, nil) if absent.
func (s *Store) GetCustomer(ctx context.Context, id concession.CustomerID) (*concession.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c concession.Customer
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM customers WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// ListCustomerIDs returns all customer IDs.
func (s *Store) ListCustomerIDs(ctx context.Context) ([]concession.CustomerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM customers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []concession.CustomerID
	for rows.Next() {
		var id concession.CustomerID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveBalance writes the projection columns of an existing customer.
func (s *Store) SaveBalance(ctx context.Context, b concession.CustomerBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET concession_balance = ?, expired_concessions = ?, balance_updated_at = ?
		WHERE id = ?`,
		b.ConcessionBalance, b.ExpiredConcessions, formatTime(b.UpdatedAt), b.CustomerID,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return concession.ErrNotFound
	}
	return nil
}

// GetBalance returns the stored projection, or (nil, nil) if never computed.
func (s *Store) GetBalance(ctx context.Context, id concession.CustomerID) (*concession.CustomerBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := concession.CustomerBalance{CustomerID: id}
	var updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT concession_balance, expired_concessions, balance_updated_at
		FROM customers WHERE id = ?`, id,
	).Scan(&b.ConcessionBalance, &b.ExpiredConcessions, &updatedAt)
	if err == sql.ErrNoRows || (err == nil && !updatedAt.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedAt = parseTime(updatedAt.String)
	return &b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
