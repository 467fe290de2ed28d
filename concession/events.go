package concession

import (
	"context"
	"time"
)

type EventType string

const (
	EventBlockCreated      EventType = "concession.block.created"
	EventBlockConsumed     EventType = "concession.block.consumed"
	EventBlockRestored     EventType = "concession.block.restored"
	EventBlockLocked       EventType = "concession.block.locked"
	EventBlockUnlocked     EventType = "concession.block.unlocked"
	EventBlockDeleted      EventType = "concession.block.deleted"
	EventBlocksExpired     EventType = "concession.blocks.expired"
	EventBalanceRecomputed EventType = "concession.balance.recomputed"
)

// Event is emitted after a ledger write has been persisted. Delivery is
// best-effort; consumers must tolerate gaps and re-read the ledger.
type Event struct {
	Type       EventType        `json:"type"`
	CustomerID CustomerID       `json:"customerId"`
	BlockIDs   []BlockID        `json:"blockIds,omitempty"`
	Actor      string           `json:"actor,omitempty"`
	Balance    *CustomerBalance `json:"balance,omitempty"`
	At         time.Time        `json:"at"`
}

// Publisher delivers ledger events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error { return nil }
