/*
store.go - Persistence contracts for blocks and customers

PURPOSE:
  The ledger treats its backend as a key-value document store: per-block
  get/put/update/delete, query by customer, and a batched multi-document
  write. No cross-document transaction is assumed beyond what BatchUpdate
  provides for its own set of writes.

KEY INTERFACES:
  BlockStore:    block documents keyed by BlockID
  CustomerStore: customer existence plus the balance projection

CONDITIONAL UPDATES:
  A BlockUpdate may carry preconditions (Expect*). A store applies the
  update only if every precondition holds against the stored document;
  otherwise Update returns ErrConcurrentModification and BatchUpdate
  skips the item. This is what lets Consume run as an optimistic
  read-modify-write and keeps Sweep from marking a block expired that a
  concurrent consume just depleted.

IMPLEMENTATIONS:
  - concession/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go:     embedded SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package concession

import (
	"context"
	"time"
)

// BlockUpdate is a partial write to one block. Nil fields are left alone.
type BlockUpdate struct {
	ID BlockID

	RemainingQuantity *int
	Status            *Status
	Lock              *LockState // replaces all lock fields when set

	// Preconditions.
	ExpectRemaining *int
	ExpectStatus    *Status
	ExpectLocked    *bool

	UpdatedAt time.Time
}

// Matches reports whether b satisfies the update's preconditions.
func (u BlockUpdate) Matches(b Block) bool {
	if u.ExpectRemaining != nil && b.RemainingQuantity != *u.ExpectRemaining {
		return false
	}
	if u.ExpectStatus != nil && b.Status != *u.ExpectStatus {
		return false
	}
	if u.ExpectLocked != nil && b.IsLocked != *u.ExpectLocked {
		return false
	}
	return true
}

// Apply writes the update's fields into b.
func (u BlockUpdate) Apply(b *Block) {
	if u.RemainingQuantity != nil {
		b.RemainingQuantity = *u.RemainingQuantity
	}
	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.Lock != nil {
		b.LockState = *u.Lock
	}
	if !u.UpdatedAt.IsZero() {
		b.UpdatedAt = u.UpdatedAt
	}
}

// BlockStore persists blocks.
type BlockStore interface {
	// Get returns the block, or (nil, nil) if it does not exist.
	Get(ctx context.Context, id BlockID) (*Block, error)

	// Put inserts or replaces a whole block.
	Put(ctx context.Context, b Block) error

	// Update applies a partial write. Returns ErrNotFound if the block is
	// missing and ErrConcurrentModification if a precondition fails.
	Update(ctx context.Context, u BlockUpdate) error

	// Delete removes an unlocked block. Returns ErrNotFound or ErrLocked.
	Delete(ctx context.Context, id BlockID) error

	// ListByCustomer returns every block owned by the customer.
	ListByCustomer(ctx context.Context, customerID CustomerID) ([]Block, error)

	// ListExpiring returns active blocks whose expiry date is <= asOf.
	ListExpiring(ctx context.Context, asOf time.Time) ([]Block, error)

	// BatchUpdate applies the updates as one atomic write where the backend
	// supports it. Items that are missing or fail their preconditions are
	// skipped. Returns the IDs actually written.
	BatchUpdate(ctx context.Context, updates []BlockUpdate) ([]BlockID, error)
}

// CustomerStore is the slice of the customer record the ledger touches.
type CustomerStore interface {
	// GetCustomer returns the customer, or (nil, nil) if it does not exist.
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	SaveCustomer(ctx context.Context, c Customer) error
	ListCustomerIDs(ctx context.Context) ([]CustomerID, error)

	SaveBalance(ctx context.Context, b CustomerBalance) error
	// GetBalance returns the stored projection, or (nil, nil) if none yet.
	GetBalance(ctx context.Context, id CustomerID) (*CustomerBalance, error)
}

// Store is implemented by adapters that persist both blocks and customers.
type Store interface {
	BlockStore
	CustomerStore
}
