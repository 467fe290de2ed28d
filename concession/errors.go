/*
errors.go - Error taxonomy for the concession ledger

ERROR CATEGORIES:
  1. Not found  - referenced block or customer does not exist
  2. Invariant  - the operation would break a quantity/status invariant
  3. Locked     - the operation requires an unlocked block
  4. Store      - the underlying store failed (retryable)
  5. Stale      - a block write was applied but the balance refresh after
                  it failed (NOT retryable: repeating the write applies it
                  twice; Recompute heals the balance)

USAGE:
  Callers distinguish cases with errors.Is / errors.As:

    if errors.Is(err, concession.ErrInvariant) {
        // bookkeeping bug upstream, do not retry
    }

  An empty allocation is NOT an error: NextAvailable returns (nil, nil).

SEE ALSO:
  - store.go: store adapters return ErrNotFound, ErrLocked and
    ErrConcurrentModification directly; everything else is wrapped
    into a StoreError by the ledger.
*/
package concession

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound  = errors.New("not found")
	ErrInvariant = errors.New("invariant violation")
	ErrLocked    = errors.New("block is locked")
	ErrStore     = errors.New("store failure")

	// ErrBalanceStale marks a block write that was applied while the
	// customer's balance refresh failed.
	ErrBalanceStale = errors.New("balance projection stale")

	// ErrConcurrentModification is returned by a store when a conditional
	// update's precondition no longer holds.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type NotFoundError struct {
	Kind string // "block" or "customer"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvariantError reports an operation that would push a block outside
// 0 <= remaining <= original.
type InvariantError struct {
	BlockID   BlockID
	Op        string
	Remaining int
	Original  int
	Reason    string
}

func (e *InvariantError) Error() string {
	if e.BlockID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s block %s: %s (remaining %d of %d)",
		e.Op, e.BlockID, e.Reason, e.Remaining, e.Original)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

type LockedError struct {
	BlockID BlockID
	Op      string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s block %s: block is locked", e.Op, e.BlockID)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// StoreError wraps a failure of the underlying store. Both ErrStore and
// the original cause are reachable through errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// RecomputeError is returned by a block write whose own change was stored
// but whose balance refresh failed. Err is the refresh failure, usually a
// StoreError, so errors.Is(err, ErrStore) still holds for logging.
type RecomputeError struct {
	Op         string
	CustomerID CustomerID
	Err        error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("%s applied, balance of customer %s not refreshed: %v", e.Op, e.CustomerID, e.Err)
}

func (e *RecomputeError) Unwrap() []error { return []error{ErrBalanceStale, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry. A write
// that was already applied is never retryable.
func IsRetryable(err error) bool {
	if IsApplied(err) {
		return false
	}
	return errors.Is(err, ErrStore) || errors.Is(err, ErrConcurrentModification)
}

// IsApplied reports whether the write behind err was stored and only the
// balance refresh after it failed.
func IsApplied(err error) bool {
	return errors.Is(err, ErrBalanceStale)
}

// IsClientError returns true if the caller asked for something the ledger
// refuses to do in the current state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvariant) || errors.Is(err, ErrLocked)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func blockNotFound(id BlockID) error {
	return &NotFoundError{Kind: "block", ID: string(id)}
}

func customerNotFound(id CustomerID) error {
	return &NotFoundError{Kind: "customer", ID: string(id)}
}

// storeErr maps store-level sentinels to ledger errors and wraps anything
// else as a StoreError.
func storeErr(op string, id BlockID, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return blockNotFound(id)
	case errors.Is(err, ErrLocked):
		return &LockedError{BlockID: id, Op: op}
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
