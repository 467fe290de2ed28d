/*
Package concession implements the concession block ledger.

PURPOSE:
  A concession block is a prepaid bundle of entries bought by a customer
  (e.g. a 10-class pass). The ledger tracks every block's remaining count,
  decides which block an entry should consume, ages blocks into expiry,
  lets operators lock blocks out of use, and keeps the customer's balance
  aggregate in sync with the block set.

KEY CONCEPTS IN THIS FILE (types.go):
  - Block: one purchased bundle, the unit of storage
  - Status: active | expired | depleted, derived from quantity and expiry
  - LockState: administrative lock flag plus its audit pairs
  - CustomerBalance: the derived per-customer projection

DESIGN PRINCIPLES:
  1. Blocks are the source of truth. The balance is a cache.
  2. Status is a pure function of (remaining, expiry, now), computed at
     write time and persisted for queryability.
  3. Locking is orthogonal to status.

SEE ALSO:
  - ledger.go: Ledger wiring and shared helpers
  - lifecycle.go, allocation.go, lock.go, expiry.go, balance.go: operations
  - store.go: persistence contracts
*/
package concession

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BlockID string
type CustomerID string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusDepleted Status = "depleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusDepleted:
		return true
	}
	return false
}

// DeriveStatus is the single rule that keeps Status consistent with the
// fields that determine it. Depletion wins over expiry.
func DeriveStatus(remaining int, expiry *time.Time, now time.Time) Status {
	if remaining <= 0 {
		return StatusDepleted
	}
	if expiry != nil && expiry.Before(now) {
		return StatusExpired
	}
	return StatusActive
}

// =============================================================================
// BLOCK
// =============================================================================

// PackageRef identifies the purchased package. Opaque to the ledger.
type PackageRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LockState is the administrative lock of a block. The locked and unlocked
// audit pairs are mutually exclusive: stamping one clears the other.
type LockState struct {
	IsLocked   bool       `json:"isLocked"`
	LockedAt   *time.Time `json:"lockedAt,omitempty"`
	LockedBy   string     `json:"lockedBy,omitempty"`
	UnlockedAt *time.Time `json:"unlockedAt,omitempty"`
	UnlockedBy string     `json:"unlockedBy,omitempty"`
}

func lockedBy(actor string, at time.Time) LockState {
	return LockState{IsLocked: true, LockedAt: &at, LockedBy: actor}
}

func unlockedBy(actor string, at time.Time) LockState {
	return LockState{IsLocked: false, UnlockedAt: &at, UnlockedBy: actor}
}

// Block is one purchased concession bundle.
type Block struct {
	ID           BlockID    `json:"id"`
	CustomerID   CustomerID `json:"customerId"`
	CustomerName string     `json:"customerName"`
	Package      PackageRef `json:"package"`

	OriginalQuantity  int        `json:"originalQuantity"`
	RemainingQuantity int        `json:"remainingQuantity"`
	PurchaseDate      time.Time  `json:"purchaseDate"`
	ExpiryDate        *time.Time `json:"expiryDate,omitempty"`
	Status            Status     `json:"status"`

	LockState

	// Provenance, never interpreted by the ledger.
	Price          decimal.Decimal `json:"price"`
	PaymentMethod  string          `json:"paymentMethod,omitempty"`
	TransactionRef string          `json:"transactionRef,omitempty"`
	Notes          string          `json:"notes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsExpiredAt reports whether the block's expiry date lies before now.
// It says nothing about Status; a depleted block can still be past expiry.
func (b Block) IsExpiredAt(now time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(now)
}

// Available reports whether the block can be selected for consumption.
func (b Block) Available(allowExpired bool) bool {
	if b.RemainingQuantity <= 0 || b.IsLocked {
		return false
	}
	return allowExpired || b.Status != StatusExpired
}

// Validate checks the quantity and depletion invariants.
func (b Block) Validate() error {
	if b.OriginalQuantity < 1 {
		return fmt.Errorf("block %s: original quantity %d < 1", b.ID, b.OriginalQuantity)
	}
	if b.RemainingQuantity < 0 || b.RemainingQuantity > b.OriginalQuantity {
		return fmt.Errorf("block %s: remaining %d outside [0, %d]", b.ID, b.RemainingQuantity, b.OriginalQuantity)
	}
	if (b.Status == StatusDepleted) != (b.RemainingQuantity == 0) {
		return fmt.Errorf("block %s: status %s inconsistent with remaining %d", b.ID, b.Status, b.RemainingQuantity)
	}
	if !b.Status.Valid() {
		return fmt.Errorf("block %s: unknown status %q", b.ID, b.Status)
	}
	return nil
}

// =============================================================================
// CUSTOMER
// =============================================================================

type Customer struct {
	ID        CustomerID `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
}

// CustomerBalance is the materialized per-customer projection of the block
// set. It is always recomputed in full, never patched.
type CustomerBalance struct {
	CustomerID         CustomerID `json:"customerId"`
	ConcessionBalance  int        `json:"concessionBalance"`
	ExpiredConcessions int        `json:"expiredConcessions"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}
