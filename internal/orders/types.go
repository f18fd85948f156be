// Package orders owns the user<->order relation and the lifecycle that moves
// an order from purchase to a terminal provider status.
//
// Components:
//   - Directory: the bijective user<->order mapping (one active order per user)
//   - Placer: the button-press flow (reserve, purchase, record)
//   - Poller: the periodic reconciliation against provider status codes
package orders

import (
	"errors"
	"time"

	"smsbot/internal/provisioning"
)

var (
	// ErrAlreadyOrdered rejects a request from a user that already holds an order.
	ErrAlreadyOrdered = errors.New("user already has an active order")
	// ErrNotReserved is returned by Record when the user has no pending reservation.
	ErrNotReserved = errors.New("user has no reservation")
	// ErrDuplicateOrder is returned by Record when the order id is already mapped.
	ErrDuplicateOrder = errors.New("order already recorded")
)

type Status int

const (
	StatusPending   Status = provisioning.StatusPending
	StatusFulfilled Status = provisioning.StatusFulfilled
)

// Terminal reports whether the order will not progress further.
func (s Status) Terminal() bool { return s != StatusPending }

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	default:
		return "failed"
	}
}

type Order struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Event types published on the event bus.
const (
	EventPlaced    = "order.placed"
	EventRejected  = "order.rejected"
	EventFulfilled = "order.fulfilled"
	EventFailed    = "order.failed"
	EventExpired   = "order.expired"
)

// Event is the payload of order lifecycle bus events.
type Event struct {
	OrderID   string `json:"order_id,omitempty"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
}
