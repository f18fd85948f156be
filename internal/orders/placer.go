package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smsbot/internal/eventbus"
	"smsbot/internal/provisioning"
	logx "smsbot/pkg/logx"
)

type Purchaser interface {
	Purchase(ctx context.Context, country, service string) (provisioning.Purchase, error)
}

type PlacerConfig struct {
	Country string
	Service string
}

// Placement is the result of a successful request.
type Placement struct {
	RequestID string
	OrderID   string
	Number    string
}

// Placer runs the button-press flow: reserve the user's slot, buy a number,
// record the mapping.
type Placer struct {
	cfg       PlacerConfig
	dir       *Directory
	purchaser Purchaser
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	// afterPlace runs once a new order is recorded (announcement refresh).
	afterPlace func(Placement)
}

func NewPlacer(cfg PlacerConfig, dir *Directory, purchaser Purchaser, bus eventbus.Bus, log logx.Logger) *Placer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Placer{cfg: cfg, dir: dir, purchaser: purchaser, bus: bus, log: log, now: time.Now}
}

// OnPlaced installs a hook invoked after every recorded order. It must not block.
func (p *Placer) OnPlaced(fn func(Placement)) { p.afterPlace = fn }

// Place requests a number for userID.
//
// Errors:
//   - ErrAlreadyOrdered: the user holds an order (no purchase call is made)
//   - *provisioning.RejectedError: the provider refused; Message is user-facing
//   - anything else: transient failure
func (p *Placer) Place(ctx context.Context, userID string) (Placement, error) {
	userID = normUser(userID)
	reqID := uuid.NewString()
	log := p.log.With(logx.String("user", userID), logx.String("request", reqID))

	if !p.dir.Reserve(userID) {
		log.Debug("request rejected: already ordered")
		return Placement{}, ErrAlreadyOrdered
	}

	bought, err := p.purchaser.Purchase(ctx, p.cfg.Country, p.cfg.Service)
	if err != nil {
		p.dir.Release(userID)
		var rej *provisioning.RejectedError
		if errors.As(err, &rej) {
			log.Debug("purchase rejected by provider", logx.String("message", rej.Message))
			p.publish(EventRejected, Event{UserID: userID, RequestID: reqID, Detail: rej.Message})
			return Placement{}, err
		}
		return Placement{}, fmt.Errorf("purchase: %w", err)
	}

	if err := p.dir.Record(userID, bought.OrderID, p.now()); err != nil {
		p.dir.Release(userID)
		return Placement{}, fmt.Errorf("record order %s: %w", bought.OrderID, err)
	}

	pl := Placement{RequestID: reqID, OrderID: bought.OrderID, Number: bought.Number}
	log.Info("order placed", logx.String("order", bought.OrderID))
	p.publish(EventPlaced, Event{OrderID: bought.OrderID, UserID: userID, RequestID: reqID, Status: int(StatusPending)})
	if p.afterPlace != nil {
		p.afterPlace(pl)
	}
	return pl, nil
}

func (p *Placer) publish(typ string, e Event) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: e})
	}
}
