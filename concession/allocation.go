package concession

import (
	"context"
	"sort"
)

// NextAvailable picks the block the next entry should consume: the oldest
// purchase among unlocked blocks with entries left, skipping expired blocks
// unless allowExpired. Returns (nil, nil) when nothing qualifies.
//
// The result is a point-in-time read. Nothing is reserved; Consume's
// conditional update is what protects against two callers racing for the
// same block.
func (l *Ledger) NextAvailable(ctx context.Context, customerID CustomerID, allowExpired bool) (*Block, error) {
	blocks, err := l.Blocks.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, &StoreError{Op: "list blocks", Err: err}
	}
	return SelectNext(blocks, allowExpired), nil
}

// SelectNext applies the FIFO policy to a block set. Ordering is by purchase
// date, oldest first, regardless of expiry; ties break on block ID so the
// choice is reproducible.
func SelectNext(blocks []Block, allowExpired bool) *Block {
	candidates := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Available(allowExpired) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.PurchaseDate.Equal(b.PurchaseDate) {
			return a.PurchaseDate.Before(b.PurchaseDate)
		}
		return a.ID < b.ID
	})

	next := candidates[0]
	return &next
}

// ListBlocks returns the customer's blocks ordered oldest purchase first.
func (l *Ledger) ListBlocks(ctx context.Context, customerID CustomerID) ([]Block, error) {
	blocks, err := l.Blocks.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, &StoreError{Op: "list blocks", Err: err}
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].PurchaseDate.Before(blocks[j].PurchaseDate)
	})
	return blocks, nil
}
