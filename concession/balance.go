package concession

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ComputeBalance derives the customer projection from a block set.
// Blocks of other customers are ignored.
func ComputeBalance(customerID CustomerID, blocks []Block, at time.Time) CustomerBalance {
	bal := CustomerBalance{CustomerID: customerID, UpdatedAt: at}
	for _, b := range blocks {
		if b.CustomerID != customerID || b.RemainingQuantity <= 0 {
			continue
		}
		bal.ConcessionBalance += b.RemainingQuantity
		if b.Status == StatusExpired {
			bal.ExpiredConcessions += b.RemainingQuantity
		}
	}
	return bal
}

// Recompute re-derives and stores the customer's balance from the current
// block set. It is a full refresh, never a delta, so it is idempotent and
// heals any earlier drift.
func (l *Ledger) Recompute(ctx context.Context, customerID CustomerID) (CustomerBalance, error) {
	blocks, err := l.Blocks.ListByCustomer(ctx, customerID)
	if err != nil {
		return CustomerBalance{}, &StoreError{Op: "list blocks", Err: err}
	}

	bal := ComputeBalance(customerID, blocks, l.now())
	if err := l.Customers.SaveBalance(ctx, bal); err != nil {
		if errors.Is(err, ErrNotFound) {
			return bal, customerNotFound(customerID)
		}
		return bal, &StoreError{Op: "save balance", Err: err}
	}

	l.logger().WithFields(logrus.Fields{
		"customer_id": customerID,
		"balance":     bal.ConcessionBalance,
		"expired":     bal.ExpiredConcessions,
	}).Debug("customer balance recomputed")
	l.publish(ctx, Event{Type: EventBalanceRecomputed, CustomerID: customerID, Balance: &bal})
	return bal, nil
}

// RecomputeAll refreshes every known customer. It keeps going past
// individual failures and returns them joined.
func (l *Ledger) RecomputeAll(ctx context.Context) (int, error) {
	ids, err := l.Customers.ListCustomerIDs(ctx)
	if err != nil {
		return 0, &StoreError{Op: "list customers", Err: err}
	}

	var errs []error
	done := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := l.Recompute(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// Balance returns the stored projection, recomputing it when none has been
// written yet.
func (l *Ledger) Balance(ctx context.Context, customerID CustomerID) (CustomerBalance, error) {
	c, err := l.Customers.GetCustomer(ctx, customerID)
	if err != nil {
		return CustomerBalance{}, &StoreError{Op: "get customer", Err: err}
	}
	if c == nil {
		return CustomerBalance{}, customerNotFound(customerID)
	}

	bal, err := l.Customers.GetBalance(ctx, customerID)
	if err != nil {
		return CustomerBalance{}, &StoreError{Op: "get balance", Err: err}
	}
	if bal == nil {
		return l.Recompute(ctx, customerID)
	}
	return *bal, nil
}

// RegisterCustomer creates or renames a customer record and returns it as
// stored. Renaming keeps the original CreatedAt.
func (l *Ledger) RegisterCustomer(ctx context.Context, c Customer) (Customer, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = l.now()
	}
	if err := l.Customers.SaveCustomer(ctx, c); err != nil {
		return Customer{}, &StoreError{Op: "save customer", Err: err}
	}

	stored, err := l.Customers.GetCustomer(ctx, c.ID)
	if err != nil {
		return Customer{}, &StoreError{Op: "get customer", Err: err}
	}
	if stored == nil {
		return Customer{}, customerNotFound(c.ID)
	}
	return *stored, nil
}
