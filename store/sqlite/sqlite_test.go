package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/concession-ledger/concession"
	"github.com/warp/concession-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.June, 1, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveCustomer(context.Background(), concession.Customer{ID: "cust-1", Name: "Ada", CreatedAt: now}))
	return store
}

func testBlock(id string, remaining int, expiry *time.Time) concession.Block {
	return concession.Block{
		ID:                concession.BlockID(id),
		CustomerID:        "cust-1",
		CustomerName:      "Ada",
		Package:           concession.PackageRef{ID: "pkg-5", Name: "5 Class Pass"},
		OriginalQuantity:  5,
		RemainingQuantity: remaining,
		PurchaseDate:      now.Add(-24 * time.Hour),
		ExpiryDate:        expiry,
		Status:            concession.DeriveStatus(remaining, expiry, now),
		Price:             decimal.RequireFromString("62.50"),
		PaymentMethod:     "cash",
		CreatedAt:         now,
		CreatedBy:         "desk",
		UpdatedAt:         now,
	}
}

func at(t time.Time) *time.Time { return &t }

// =============================================================================
// BLOCK STORE
// =============================================================================

func TestStore_PutGet_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := testBlock("blk-1", 4, at(now.AddDate(0, 3, 0)))
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, "blk-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.CustomerID, got.CustomerID)
	assert.Equal(t, want.Package, got.Package)
	assert.Equal(t, 4, got.RemainingQuantity)
	assert.Equal(t, concession.StatusActive, got.Status)
	assert.True(t, want.PurchaseDate.Equal(got.PurchaseDate))
	require.NotNil(t, got.ExpiryDate)
	assert.True(t, want.ExpiryDate.Equal(*got.ExpiryDate))
	assert.True(t, want.Price.Equal(got.Price))
	assert.False(t, got.IsLocked)
	assert.Nil(t, got.LockedAt)
	assert.NoError(t, got.Validate())

	missing, err := store.Get(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_PriceKeepsFullScale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := testBlock("blk-1", 1, nil)
	b.Price = decimal.RequireFromString("12.345")
	require.NoError(t, store.Put(ctx, b))

	got, err := store.Get(ctx, "blk-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, b.Price.Equal(got.Price), "got %s", got.Price)
}

func TestStore_Update_Conditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testBlock("blk-1", 3, nil)))

	two, three, stale := 2, 3, 5
	depleted := concession.StatusDepleted

	// Matching precondition applies.
	require.NoError(t, store.Update(ctx, concession.BlockUpdate{
		ID: "blk-1", RemainingQuantity: &two, ExpectRemaining: &three, UpdatedAt: now,
	}))
	got, _ := store.Get(ctx, "blk-1")
	assert.Equal(t, 2, got.RemainingQuantity)

	// Stale precondition is a conflict, nothing written.
	err := store.Update(ctx, concession.BlockUpdate{
		ID: "blk-1", Status: &depleted, ExpectRemaining: &stale, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, concession.ErrConcurrentModification)
	got, _ = store.Get(ctx, "blk-1")
	assert.Equal(t, concession.StatusActive, got.Status)

	err = store.Update(ctx, concession.BlockUpdate{ID: "ghost", RemainingQuantity: &two})
	assert.ErrorIs(t, err, concession.ErrNotFound)
}

func TestStore_Update_Lock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testBlock("blk-1", 3, nil)))

	lockedAt := now.Add(time.Minute)
	require.NoError(t, store.Update(ctx, concession.BlockUpdate{
		ID:   "blk-1",
		Lock: &concession.LockState{IsLocked: true, LockedAt: &lockedAt, LockedBy: "alice"},
	}))

	got, err := store.Get(ctx, "blk-1")
	require.NoError(t, err)
	assert.True(t, got.IsLocked)
	assert.Equal(t, "alice", got.LockedBy)
	require.NotNil(t, got.LockedAt)
	assert.True(t, lockedAt.Equal(*got.LockedAt))
	assert.Nil(t, got.UnlockedAt)
}

func TestStore_Delete_RespectsLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	locked := testBlock("blk-locked", 3, nil)
	locked.LockState = concession.LockState{IsLocked: true, LockedAt: at(now), LockedBy: "alice"}
	require.NoError(t, store.Put(ctx, locked))
	require.NoError(t, store.Put(ctx, testBlock("blk-free", 3, nil)))

	assert.ErrorIs(t, store.Delete(ctx, "blk-locked"), concession.ErrLocked)
	assert.NoError(t, store.Delete(ctx, "blk-free"))
	assert.ErrorIs(t, store.Delete(ctx, "blk-free"), concession.ErrNotFound)

	blocks, err := store.ListByCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, concession.BlockID("blk-locked"), blocks[0].ID)
}

func TestStore_ListExpiring(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testBlock("past", 2, at(now.Add(-time.Hour)))))  // expired at create
	require.NoError(t, store.Put(ctx, testBlock("due", 2, at(now))))                  // active, due exactly now
	require.NoError(t, store.Put(ctx, testBlock("later", 2, at(now.Add(time.Hour))))) // not yet
	require.NoError(t, store.Put(ctx, testBlock("never", 2, nil)))
	require.NoError(t, store.Put(ctx, testBlock("gone", 0, at(now.Add(-time.Hour)))))

	blocks, err := store.ListExpiring(ctx, now)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, concession.BlockID("due"), blocks[0].ID)

	blocks, err = store.ListExpiring(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
}

func TestStore_BatchUpdate_SkipsStaleItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Put(ctx, testBlock(fmt.Sprintf("blk-%d", i), 2, at(now))))
	}
	two := 2
	depleted, expired, active := concession.StatusDepleted, concession.StatusExpired, concession.StatusActive
	zero := 0
	require.NoError(t, store.Update(ctx, concession.BlockUpdate{
		ID: "blk-2", RemainingQuantity: &zero, Status: &depleted, ExpectRemaining: &two,
	}))

	var updates []concession.BlockUpdate
	for i := 1; i <= 3; i++ {
		updates = append(updates, concession.BlockUpdate{
			ID: concession.BlockID(fmt.Sprintf("blk-%d", i)), Status: &expired, ExpectStatus: &active, UpdatedAt: now,
		})
	}
	updates = append(updates, concession.BlockUpdate{ID: "ghost", Status: &expired})

	applied, err := store.BatchUpdate(ctx, updates)
	require.NoError(t, err)
	assert.Equal(t, []concession.BlockID{"blk-1", "blk-3"}, applied)

	got, _ := store.Get(ctx, "blk-2")
	assert.Equal(t, concession.StatusDepleted, got.Status)
	assert.NoError(t, got.Validate())
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

func TestStore_Customers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Ada", c.Name)

	require.NoError(t, store.SaveCustomer(ctx, concession.Customer{ID: "cust-1", Name: "Ada L."}))
	c, _ = store.GetCustomer(ctx, "cust-1")
	assert.Equal(t, "Ada L.", c.Name)
	assert.True(t, now.Equal(c.CreatedAt), "rename keeps created_at")

	bal, err := store.GetBalance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Nil(t, bal, "no projection before first recompute")

	require.NoError(t, store.SaveBalance(ctx, concession.CustomerBalance{
		CustomerID: "cust-1", ConcessionBalance: 7, ExpiredConcessions: 2, UpdatedAt: now,
	}))
	bal, err = store.GetBalance(ctx, "cust-1")
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, 7, bal.ConcessionBalance)
	assert.Equal(t, 2, bal.ExpiredConcessions)

	err = store.SaveBalance(ctx, concession.CustomerBalance{CustomerID: "ghost"})
	assert.ErrorIs(t, err, concession.ErrNotFound)

	ids, err := store.ListCustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []concession.CustomerID{"cust-1"}, ids)
}

// =============================================================================
// LEDGER ON SQLITE
// =============================================================================

func TestLedger_OnSQLite_EndToEnd(t *testing.T) {
	// GIVEN: A ledger backed by SQLite with two blocks, one expiring soon
	// WHEN: Consuming, sweeping and locking
	// THEN: Block rows and the customer projection stay in step

	store := newTestStore(t)
	ctx := context.Background()
	clock := now
	ledger := concession.NewLedgerFromStore(store)
	ledger.Now = func() time.Time { return clock }

	soon, err := ledger.Create(ctx, concession.CreateBlockInput{
		CustomerID: "cust-1", Quantity: 3, PurchaseDate: now.AddDate(0, -1, 0), ExpiryDate: at(now.Add(time.Hour)),
	})
	require.NoError(t, err)
	open, err := ledger.Create(ctx, concession.CreateBlockInput{CustomerID: "cust-1", Quantity: 5})
	require.NoError(t, err)

	next, err := ledger.NextAvailable(ctx, "cust-1", false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, soon, next.ID)
	require.NoError(t, ledger.Consume(ctx, next.ID))

	clock = now.Add(2 * time.Hour)
	n, err := ledger.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, err := ledger.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 7, bal.ConcessionBalance)
	assert.Equal(t, 2, bal.ExpiredConcessions)

	next, err = ledger.NextAvailable(ctx, "cust-1", false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, open, next.ID)

	locked, err := ledger.LockAllExpired(ctx, "cust-1", "manager")
	require.NoError(t, err)
	assert.Equal(t, 1, locked)

	next, err = ledger.NextAvailable(ctx, "cust-1", true)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, open, next.ID, "locked expired block is no longer eligible")
}
