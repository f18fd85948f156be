package orders

import (
	"context"
	"errors"
	"sync"

	"smsbot/internal/provisioning"
)

// scriptedChecker answers Check with a per-order script of statuses; the last
// entry repeats once the script is exhausted.
type scriptedChecker struct {
	mu      sync.Mutex
	scripts map[string][]provisioning.Status
	errs    map[string]error
	calls   []string
}

func newScriptedChecker() *scriptedChecker {
	return &scriptedChecker{scripts: map[string][]provisioning.Status{}, errs: map[string]error{}}
}

func (c *scriptedChecker) script(orderID string, codes ...int) {
	for _, code := range codes {
		st := provisioning.Status{Code: code}
		if code == provisioning.StatusFulfilled {
			st.SMS = "code-" + orderID
		}
		c.scripts[orderID] = append(c.scripts[orderID], st)
	}
}

func (c *scriptedChecker) Check(ctx context.Context, orderID string) (provisioning.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, orderID)
	if err := c.errs[orderID]; err != nil {
		return provisioning.Status{}, err
	}
	s := c.scripts[orderID]
	if len(s) == 0 {
		return provisioning.Status{}, errors.New("no script for " + orderID)
	}
	st := s[0]
	if len(s) > 1 {
		c.scripts[orderID] = s[1:]
	}
	return st, nil
}

type delivery struct {
	userID string
	code   string
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []delivery
	onHit func()
}

func (n *recordingNotifier) Deliver(ctx context.Context, userID, code string) {
	n.mu.Lock()
	n.sent = append(n.sent, delivery{userID: userID, code: code})
	n.mu.Unlock()
	if n.onHit != nil {
		n.onHit()
	}
}

func (n *recordingNotifier) deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.sent...)
}

type fakePurchaser struct {
	mu    sync.Mutex
	calls int
	next  []provisioning.Purchase
	err   error
	gate  chan struct{}
}

func (p *fakePurchaser) Purchase(ctx context.Context, country, service string) (provisioning.Purchase, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return provisioning.Purchase{}, p.err
	}
	if len(p.next) == 0 {
		return provisioning.Purchase{}, errors.New("no purchase scripted")
	}
	out := p.next[0]
	p.next = p.next[1:]
	return out, nil
}

func (p *fakePurchaser) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
