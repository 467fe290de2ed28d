package concession

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CreateBlockInput describes a purchased bundle.
type CreateBlockInput struct {
	CustomerID CustomerID
	Package    PackageRef
	Quantity   int

	// ExpiryDate nil means the block never expires.
	ExpiryDate *time.Time
	// PurchaseDate defaults to now when zero. Backdating is allowed and
	// may produce a block that is born expired.
	PurchaseDate time.Time

	Price          decimal.Decimal
	PaymentMethod  string
	TransactionRef string
	Notes          string
	CreatedBy      string
}

// Create persists a new block and recomputes the owner's balance.
func (l *Ledger) Create(ctx context.Context, in CreateBlockInput) (BlockID, error) {
	if in.Quantity < 1 {
		return "", &InvariantError{Op: "create", Reason: "quantity must be at least 1"}
	}

	customer, err := l.Customers.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return "", &StoreError{Op: "get customer", Err: err}
	}
	if customer == nil {
		return "", customerNotFound(in.CustomerID)
	}
	name := customer.Name
	if name == "" {
		name = UnknownCustomerName
	}

	now := l.now()
	purchased := in.PurchaseDate
	if purchased.IsZero() {
		purchased = now
	}

	b := Block{
		ID:                l.NewID(),
		CustomerID:        in.CustomerID,
		CustomerName:      name,
		Package:           in.Package,
		OriginalQuantity:  in.Quantity,
		RemainingQuantity: in.Quantity,
		PurchaseDate:      purchased,
		ExpiryDate:        in.ExpiryDate,
		Status:            DeriveStatus(in.Quantity, in.ExpiryDate, now),
		Price:             in.Price,
		PaymentMethod:     in.PaymentMethod,
		TransactionRef:    in.TransactionRef,
		Notes:             in.Notes,
		CreatedAt:         now,
		CreatedBy:         in.CreatedBy,
		UpdatedAt:         now,
	}

	if err := l.Blocks.Put(ctx, b); err != nil {
		return "", storeErr("create", b.ID, err)
	}

	l.logger().WithFields(logrus.Fields{
		"block_id":    b.ID,
		"customer_id": b.CustomerID,
		"quantity":    b.OriginalQuantity,
		"status":      b.Status,
	}).Debug("concession block created")
	l.publish(ctx, Event{Type: EventBlockCreated, CustomerID: b.CustomerID, BlockIDs: []BlockID{b.ID}, Actor: in.CreatedBy})

	return b.ID, l.afterMutation(ctx, b.CustomerID, "create")
}

// Consume spends one entry from the block. The caller is expected to have
// picked the block with NextAvailable; lock and expiry are not re-checked.
func (l *Ledger) Consume(ctx context.Context, id BlockID) error {
	b, err := l.adjust(ctx, "consume", id, -1)
	if err != nil {
		return err
	}
	l.publish(ctx, Event{Type: EventBlockConsumed, CustomerID: b.CustomerID, BlockIDs: []BlockID{id}})
	return l.afterMutation(ctx, b.CustomerID, "consume")
}

// Restore gives one entry back, e.g. for a reversed check-in. Restoring
// past the original quantity signals a double restore upstream and is
// rejected.
func (l *Ledger) Restore(ctx context.Context, id BlockID) error {
	b, err := l.adjust(ctx, "restore", id, +1)
	if err != nil {
		return err
	}
	l.publish(ctx, Event{Type: EventBlockRestored, CustomerID: b.CustomerID, BlockIDs: []BlockID{id}})
	return l.afterMutation(ctx, b.CustomerID, "restore")
}

// adjust is the optimistic read-modify-write behind Consume and Restore.
// It returns the block as it was written.
func (l *Ledger) adjust(ctx context.Context, op string, id BlockID, delta int) (*Block, error) {
	for attempt := 0; ; attempt++ {
		b, err := l.load(ctx, op, id)
		if err != nil {
			return nil, err
		}

		remaining := b.RemainingQuantity + delta
		switch {
		case remaining < 0:
			return nil, &InvariantError{BlockID: id, Op: op, Remaining: b.RemainingQuantity, Original: b.OriginalQuantity, Reason: "block is depleted"}
		case remaining > b.OriginalQuantity:
			return nil, &InvariantError{BlockID: id, Op: op, Remaining: b.RemainingQuantity, Original: b.OriginalQuantity, Reason: "already at original quantity"}
		}

		now := l.now()
		status := DeriveStatus(remaining, b.ExpiryDate, now)
		err = l.Blocks.Update(ctx, BlockUpdate{
			ID:                id,
			RemainingQuantity: intPtr(remaining),
			Status:            statusPtr(status),
			ExpectRemaining:   intPtr(b.RemainingQuantity),
			UpdatedAt:         now,
		})
		if errors.Is(err, ErrConcurrentModification) && attempt < l.retries() {
			l.logger().WithFields(logrus.Fields{"block_id": id, "op": op, "attempt": attempt + 1}).
				Debug("block changed underneath, retrying")
			continue
		}
		if err != nil {
			return nil, storeErr(op, id, err)
		}

		prev := b.RemainingQuantity
		b.RemainingQuantity = remaining
		b.Status = status
		b.UpdatedAt = now
		l.logger().WithFields(logrus.Fields{
			"block_id":    id,
			"customer_id": b.CustomerID,
			"op":          op,
			"remaining":   remaining,
			"previous":    prev,
			"status":      status,
		}).Debug("concession block adjusted")
		return b, nil
	}
}

// Delete physically removes an unlocked block.
func (l *Ledger) Delete(ctx context.Context, id BlockID) error {
	b, err := l.load(ctx, "delete", id)
	if err != nil {
		return err
	}
	if b.IsLocked {
		return &LockedError{BlockID: id, Op: "delete"}
	}
	if err := l.Blocks.Delete(ctx, id); err != nil {
		return storeErr("delete", id, err)
	}

	l.logger().WithFields(logrus.Fields{"block_id": id, "customer_id": b.CustomerID}).Info("concession block deleted")
	l.publish(ctx, Event{Type: EventBlockDeleted, CustomerID: b.CustomerID, BlockIDs: []BlockID{id}})
	return l.afterMutation(ctx, b.CustomerID, "delete")
}

// Get returns a single block.
func (l *Ledger) Get(ctx context.Context, id BlockID) (*Block, error) {
	return l.load(ctx, "get", id)
}
