package orders

import (
	"context"
	"sync/atomic"
	"time"

	"smsbot/internal/eventbus"
	"smsbot/internal/provisioning"
	logx "smsbot/pkg/logx"
)

type StatusChecker interface {
	Check(ctx context.Context, orderID string) (provisioning.Status, error)
}

// CodeNotifier delivers a received code to its owner. Deliver must not block
// on delivery; failures stay on the notifier's side.
type CodeNotifier interface {
	Deliver(ctx context.Context, userID, code string)
}

type PollerConfig struct {
	// MaxAge drops orders still pending after this long. Zero disables it.
	MaxAge time.Duration
}

// Poller reconciles recorded orders against provider status codes:
//   - 1 (pending): keep
//   - 3 (fulfilled): remove, then hand the code to the notifier
//   - anything else: remove without notifying
type Poller struct {
	dir      *Directory
	checker  StatusChecker
	notifier CodeNotifier
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	maxAge atomic.Int64 // time.Duration
}

func NewPoller(cfg PollerConfig, dir *Directory, checker StatusChecker, notifier CodeNotifier, bus eventbus.Bus, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{dir: dir, checker: checker, notifier: notifier, bus: bus, log: log, now: time.Now}
	p.maxAge.Store(int64(cfg.MaxAge))
	return p
}

// SetMaxAge applies a reloaded max age.
func (p *Poller) SetMaxAge(d time.Duration) { p.maxAge.Store(int64(d)) }

// Tick polls every order in a snapshot of the directory, in snapshot order.
// A failed status query only skips that order.
func (p *Poller) Tick(ctx context.Context) error {
	snapshot := p.dir.Active()
	if len(snapshot) == 0 {
		return nil
	}
	start := time.Now()
	failed := 0
	for _, o := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.pollOne(ctx, o) {
			failed++
		}
	}
	p.log.Debug("poll tick done", logx.Int("orders", len(snapshot)), logx.Int("check_failed", failed), logx.Duration("took", time.Since(start)))
	return nil
}

func (p *Poller) pollOne(ctx context.Context, o Order) bool {
	log := p.log.With(logx.String("order", o.ID), logx.String("user", o.UserID))

	st, err := p.checker.Check(ctx, o.ID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("status check failed", logx.Err(err))
		}
		return false
	}

	status := Status(st.Code)
	if !status.Terminal() {
		if maxAge := time.Duration(p.maxAge.Load()); maxAge > 0 && p.now().Sub(o.CreatedAt) > maxAge {
			if _, removed := p.dir.Remove(o.ID); removed {
				log.Info("order expired", logx.Duration("age", p.now().Sub(o.CreatedAt)))
				p.publish(EventExpired, Event{OrderID: o.ID, UserID: o.UserID, Status: st.Code})
			}
		}
		return true
	}

	// Remove first: the user is free to order again even if delivery fails.
	// Only the caller that actually removed the entry acts on it.
	removed, ok := p.dir.Remove(o.ID)
	if !ok {
		return true
	}
	if status != StatusFulfilled {
		log.Info("order closed without code", logx.Int("status", st.Code), logx.String("outcome", status.String()))
		p.publish(EventFailed, Event{OrderID: o.ID, UserID: removed.UserID, Status: st.Code})
		return true
	}
	log.Info("order fulfilled")
	p.publish(EventFulfilled, Event{OrderID: o.ID, UserID: removed.UserID, Status: st.Code})
	if p.notifier != nil {
		p.notifier.Deliver(ctx, removed.UserID, st.SMS)
	}
	return true
}

func (p *Poller) publish(typ string, e Event) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: e})
	}
}
