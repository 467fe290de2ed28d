package concession

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Sweep moves every active block whose expiry date has been reached into
// the expired state, then recomputes each affected customer's balance once.
//
// Returns the number of blocks actually transitioned. When the batch write
// fails part way on a store without atomic batches, the customers whose
// blocks were written still get their recompute and the error is returned
// alongside the count.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	blocks, err := l.Blocks.ListExpiring(ctx, now)
	if err != nil {
		return 0, &StoreError{Op: "list expiring", Err: err}
	}
	if len(blocks) == 0 {
		return 0, nil
	}

	owner := make(map[BlockID]CustomerID, len(blocks))
	updates := make([]BlockUpdate, 0, len(blocks))
	for _, b := range blocks {
		owner[b.ID] = b.CustomerID
		updates = append(updates, BlockUpdate{
			ID:           b.ID,
			Status:       statusPtr(StatusExpired),
			ExpectStatus: statusPtr(StatusActive),
			UpdatedAt:    now,
		})
	}

	applied, batchErr := l.Blocks.BatchUpdate(ctx, updates)
	if batchErr != nil {
		batchErr = &StoreError{Op: "expire blocks", Err: batchErr}
		l.logger().WithError(batchErr).WithFields(logrus.Fields{
			"attempted": len(updates),
			"applied":   len(applied),
		}).Error("expiry sweep batch write failed")
	}

	// One recompute per distinct customer, in first-seen order.
	var customers []CustomerID
	byCustomer := make(map[CustomerID][]BlockID)
	for _, id := range applied {
		cid := owner[id]
		if _, seen := byCustomer[cid]; !seen {
			customers = append(customers, cid)
		}
		byCustomer[cid] = append(byCustomer[cid], id)
	}

	errs := []error{batchErr}
	for _, cid := range customers {
		l.publish(ctx, Event{Type: EventBlocksExpired, CustomerID: cid, BlockIDs: byCustomer[cid], Actor: "system"})
		if err := l.afterMutation(ctx, cid, "sweep"); err != nil {
			errs = append(errs, err)
		}
	}

	l.logger().WithFields(logrus.Fields{
		"candidates": len(blocks),
		"expired":    len(applied),
		"customers":  len(customers),
	}).Info("expiry sweep completed")

	return len(applied), errors.Join(errs...)
}
