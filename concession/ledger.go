/*
ledger.go - The concession ledger and its shared plumbing

PURPOSE:
  Ledger is the only component allowed to mutate remaining quantity,
  status, or lock fields. Every mutation is a two-phase write:

    1. write the block document(s)
    2. recompute the owning customer's balance from the full block set

  There is no rollback between the phases. If phase 2 fails the block
  write stands, the error is surfaced, and the next mutation, sweep, or an
  explicit Recompute heals the aggregate.

CONCURRENCY:
  The Ledger holds no lock of its own; it is safe for concurrent use as
  long as the stores are. Consume and Restore use conditional updates and
  retry on ErrConcurrentModification, so two racing check-ins can never
  both spend the same unit.

SEE ALSO:
  - lifecycle.go: Create, Consume, Restore, Delete
  - allocation.go: NextAvailable
  - lock.go: Lock, Unlock, LockAllExpired
  - expiry.go: Sweep
  - balance.go: Recompute
*/
package concession

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// UnknownCustomerName is recorded on a block when the customer exists but
// its display name cannot be resolved.
const UnknownCustomerName = "Unknown customer"

const defaultMaxRetries = 3

type Ledger struct {
	Blocks    BlockStore
	Customers CustomerStore
	Events    Publisher
	Log       logrus.FieldLogger

	// Now is the ledger's clock. Tests pin it.
	Now func() time.Time

	// NewID generates block identifiers.
	NewID func() BlockID

	// MaxRetries bounds optimistic-concurrency retries in Consume/Restore.
	MaxRetries int
}

// NewLedger creates a ledger with a wall clock, UUID block IDs, no event
// delivery and a discarding logger. Override the fields as needed.
func NewLedger(blocks BlockStore, customers CustomerStore) *Ledger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Ledger{
		Blocks:     blocks,
		Customers:  customers,
		Events:     noopPublisher{},
		Log:        log,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      func() BlockID { return BlockID(uuid.NewString()) },
		MaxRetries: defaultMaxRetries,
	}
}

// NewLedgerFromStore wires a ledger to an adapter that holds both
// collections.
func NewLedgerFromStore(s Store) *Ledger {
	return NewLedger(s, s)
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now()
}

func (l *Ledger) logger() logrus.FieldLogger {
	if l.Log == nil {
		return logrus.StandardLogger()
	}
	return l.Log
}

// load fetches a block, mapping absence to NotFoundError.
func (l *Ledger) load(ctx context.Context, op string, id BlockID) (*Block, error) {
	b, err := l.Blocks.Get(ctx, id)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if b == nil {
		return nil, blockNotFound(id)
	}
	return b, nil
}

func (l *Ledger) publish(ctx context.Context, e Event) {
	if l.Events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	if err := l.Events.Publish(ctx, e); err != nil {
		l.logger().WithError(err).WithFields(logrus.Fields{
			"event":       e.Type,
			"customer_id": e.CustomerID,
		}).Warn("failed to publish ledger event")
	}
}

// afterMutation runs phase 2 of a block write. The write itself is already
// stored, so a failure here comes back as a RecomputeError.
func (l *Ledger) afterMutation(ctx context.Context, customerID CustomerID, op string) error {
	if _, err := l.Recompute(ctx, customerID); err != nil {
		l.logger().WithError(err).WithFields(logrus.Fields{
			"customer_id": customerID,
			"op":          op,
		}).Error("balance recompute failed after block write")
		return &RecomputeError{Op: op, CustomerID: customerID, Err: err}
	}
	return nil
}

func (l *Ledger) retries() int {
	if l.MaxRetries < 0 {
		return 0
	}
	return l.MaxRetries
}

func intPtr(n int) *int { return &n }

func statusPtr(s Status) *Status { return &s }

func boolPtr(b bool) *bool { return &b }

func lockPtr(s LockState) *LockState { return &s }
