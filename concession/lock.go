package concession

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Lock freezes a block out of consumption. Status and quantity are left
// alone. Locking an already-locked block re-stamps the audit fields.
func (l *Ledger) Lock(ctx context.Context, id BlockID, actor string) error {
	return l.setLock(ctx, "lock", id, lockedBy(actor, l.now()), actor)
}

// Unlock releases a block. Unlocking an already-unlocked block re-stamps
// the audit fields.
func (l *Ledger) Unlock(ctx context.Context, id BlockID, actor string) error {
	return l.setLock(ctx, "unlock", id, unlockedBy(actor, l.now()), actor)
}

func (l *Ledger) setLock(ctx context.Context, op string, id BlockID, state LockState, actor string) error {
	b, err := l.load(ctx, op, id)
	if err != nil {
		return err
	}

	err = l.Blocks.Update(ctx, BlockUpdate{
		ID:        id,
		Lock:      lockPtr(state),
		UpdatedAt: l.now(),
	})
	if err != nil {
		return storeErr(op, id, err)
	}

	l.logger().WithFields(logrus.Fields{
		"block_id":    id,
		"customer_id": b.CustomerID,
		"actor":       actor,
		"locked":      state.IsLocked,
	}).Info("concession block lock changed")

	evt := EventBlockUnlocked
	if state.IsLocked {
		evt = EventBlockLocked
	}
	l.publish(ctx, Event{Type: evt, CustomerID: b.CustomerID, BlockIDs: []BlockID{id}, Actor: actor})
	return l.afterMutation(ctx, b.CustomerID, op)
}

// LockAllExpired locks, in one batch, every unlocked block of the customer
// whose expiry date has passed. Already-locked blocks keep their audit
// fields. Returns how many blocks were locked; zero is not an error.
func (l *Ledger) LockAllExpired(ctx context.Context, customerID CustomerID, actor string) (int, error) {
	blocks, err := l.Blocks.ListByCustomer(ctx, customerID)
	if err != nil {
		return 0, &StoreError{Op: "list blocks", Err: err}
	}

	now := l.now()
	state := lockedBy(actor, now)
	var updates []BlockUpdate
	for _, b := range blocks {
		if b.IsLocked || !b.IsExpiredAt(now) {
			continue
		}
		updates = append(updates, BlockUpdate{
			ID:           b.ID,
			Lock:         lockPtr(state),
			ExpectLocked: boolPtr(false),
			UpdatedAt:    now,
		})
	}
	if len(updates) == 0 {
		return 0, nil
	}

	applied, err := l.Blocks.BatchUpdate(ctx, updates)
	if err != nil {
		err = &StoreError{Op: "lock expired", Err: err}
	}
	if len(applied) == 0 {
		return 0, err
	}

	l.logger().WithFields(logrus.Fields{
		"customer_id": customerID,
		"actor":       actor,
		"locked":      len(applied),
	}).Info("expired concession blocks locked")
	l.publish(ctx, Event{Type: EventBlockLocked, CustomerID: customerID, BlockIDs: applied, Actor: actor})

	if rerr := l.afterMutation(ctx, customerID, "lock expired"); err == nil {
		err = rerr
	}
	return len(applied), err
}
