package orders

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Directory is the single owner of the user<->order relation.
//
// A user slot moves through: empty -> reserved (purchase in flight) -> recorded.
// Only recorded slots appear in the order view, so the two views are always
// mirrors of each other. Every method holds the lock for its whole body and
// never performs I/O, which makes each mutation atomic with respect to the
// poller and concurrent button presses.
type Directory struct {
	mu      sync.Mutex
	byUser  map[string]string // user -> order id ("" while reserved)
	byOrder map[string]Order
}

// normUser is the key form of a user id. Every method that takes a user id
// goes through it.
func normUser(id string) string { return strings.TrimSpace(id) }

func NewDirectory() *Directory {
	return &Directory{
		byUser:  map[string]string{},
		byOrder: map[string]Order{},
	}
}

// Reserve claims the user's single order slot. It returns false if the user
// already holds a reservation or an order.
func (d *Directory) Reserve(userID string) bool {
	userID = normUser(userID)
	if userID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.byUser[userID]; taken {
		return false
	}
	d.byUser[userID] = ""
	return true
}

// Release drops a reservation that never turned into an order.
// Recorded orders are left untouched.
func (d *Directory) Release(userID string) {
	userID = normUser(userID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byUser[userID]; ok && id == "" {
		delete(d.byUser, userID)
	}
}

// Record binds a purchased order to the user's reservation.
func (d *Directory) Record(userID, orderID string, now time.Time) error {
	userID = normUser(userID)
	orderID = strings.TrimSpace(orderID)
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.byUser[userID]
	if !ok || cur != "" {
		return ErrNotReserved
	}
	if orderID == "" {
		return ErrNotReserved
	}
	if _, dup := d.byOrder[orderID]; dup {
		return ErrDuplicateOrder
	}
	d.byUser[userID] = orderID
	d.byOrder[orderID] = Order{ID: orderID, UserID: userID, Status: StatusPending, CreatedAt: now}
	return nil
}

// Resolve returns the user owning orderID.
func (d *Directory) Resolve(orderID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.byOrder[orderID]
	return o.UserID, ok
}

// OrderOf returns the recorded order id of a user.
func (d *Directory) OrderOf(userID string) (string, bool) {
	userID = normUser(userID)
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byUser[userID]
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Holds reports whether the user has a reservation or an order.
func (d *Directory) Holds(userID string) bool {
	userID = normUser(userID)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byUser[userID]
	return ok
}

// Remove deletes both directions of an order. It reports whether anything was
// removed; removing an absent order is a no-op.
func (d *Directory) Remove(orderID string) (Order, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.byOrder[orderID]
	if !ok {
		return Order{}, false
	}
	delete(d.byOrder, orderID)
	if d.byUser[o.UserID] == orderID {
		delete(d.byUser, o.UserID)
	}
	return o, true
}

// Active returns a snapshot of recorded orders, oldest first.
func (d *Directory) Active() []Order {
	d.mu.Lock()
	out := make([]Order, 0, len(d.byOrder))
	for _, o := range d.byOrder {
		out = append(out, o)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of recorded orders.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byOrder)
}
