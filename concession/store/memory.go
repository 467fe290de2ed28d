// Package store provides in-memory concession.Store implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/concession-ledger/concession"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// ErrInjected is returned by BatchUpdate when FailBatchAfter trips.
var ErrInjected = errors.New("injected batch failure")

type Memory struct {
	mu        sync.RWMutex
	blocks    map[concession.BlockID]concession.Block
	customers map[concession.CustomerID]concession.Customer
	balances  map[concession.CustomerID]concession.CustomerBalance

	// FailBatchAfter, when > 0, makes BatchUpdate behave like a document
	// store without atomic batches: it writes that many items and then
	// fails, keeping the items already written.
	FailBatchAfter int
}

func NewMemory() *Memory {
	return &Memory{
		blocks:    make(map[concession.BlockID]concession.Block),
		customers: make(map[concession.CustomerID]concession.Customer),
		balances:  make(map[concession.CustomerID]concession.CustomerBalance),
	}
}

// =============================================================================
// BLOCKS
// =============================================================================

func (m *Memory) Get(_ context.Context, id concession.BlockID) (*concession.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) Put(_ context.Context, b concession.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.ID] = b
	return nil
}

func (m *Memory) Update(_ context.Context, u concession.BlockUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[u.ID]
	if !ok {
		return concession.ErrNotFound
	}
	if !u.Matches(b) {
		return concession.ErrConcurrentModification
	}
	u.Apply(&b)
	m.blocks[u.ID] = b
	return nil
}

func (m *Memory) Delete(_ context.Context, id concession.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[id]
	if !ok {
		return concession.ErrNotFound
	}
	if b.IsLocked {
		return concession.ErrLocked
	}
	delete(m.blocks, id)
	return nil
}

func (m *Memory) ListByCustomer(_ context.Context, customerID concession.CustomerID) ([]concession.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []concession.Block
	for _, b := range m.blocks {
		if b.CustomerID == customerID {
			result = append(result, b)
		}
	}
	sortBlocks(result)
	return result, nil
}

func (m *Memory) ListExpiring(_ context.Context, asOf time.Time) ([]concession.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []concession.Block
	for _, b := range m.blocks {
		if b.Status == concession.StatusActive && b.ExpiryDate != nil && !b.ExpiryDate.After(asOf) {
			result = append(result, b)
		}
	}
	sortBlocks(result)
	return result, nil
}

// BatchUpdate applies all updates under one lock, so readers never observe
// a half-applied batch.
func (m *Memory) BatchUpdate(_ context.Context, updates []concession.BlockUpdate) ([]concession.BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var applied []concession.BlockID
	for _, u := range updates {
		if m.FailBatchAfter > 0 && len(applied) >= m.FailBatchAfter {
			return applied, ErrInjected
		}
		b, ok := m.blocks[u.ID]
		if !ok || !u.Matches(b) {
			continue
		}
		u.Apply(&b)
		m.blocks[u.ID] = b
		applied = append(applied, u.ID)
	}
	return applied, nil
}

// Deterministic order for map-backed listings.
func sortBlocks(blocks []concession.Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].PurchaseDate.Equal(blocks[j].PurchaseDate) {
			return blocks[i].PurchaseDate.Before(blocks[j].PurchaseDate)
		}
		return blocks[i].ID < blocks[j].ID
	})
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) GetCustomer(_ context.Context, id concession.CustomerID) (*concession.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) SaveCustomer(_ context.Context, c concession.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.customers[c.ID]; ok && !existing.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) ListCustomerIDs(_ context.Context) ([]concession.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]concession.CustomerID, 0, len(m.customers))
	for id := range m.customers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SaveBalance writes the projection onto an existing customer record.
func (m *Memory) SaveBalance(_ context.Context, b concession.CustomerBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[b.CustomerID]; !ok {
		return concession.ErrNotFound
	}
	m.balances[b.CustomerID] = b
	return nil
}

func (m *Memory) GetBalance(_ context.Context, id concession.CustomerID) (*concession.CustomerBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}
