// Package announce keeps the single "get a number here" message in the
// configured channel up to date with the provider balance and price.
package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smsbot/internal/storage"
	kit "smsbot/internal/transport"
	logx "smsbot/pkg/logx"
)

// ButtonID is the callback id carried by the request button.
const ButtonID = "sms"

const (
	defaultScanLimit = 10
	embedColor       = 0xa7c7e7
	callToAction     = "Click the button below to get a phone number!"
)

type Gateway interface {
	FindChannel(ctx context.Context, id string) (kit.Channel, error)
	FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]kit.Message, error)
	Send(ctx context.Context, channelID string, msg kit.Outgoing) (kit.MessageRef, error)
	Edit(ctx context.Context, ref kit.MessageRef, msg kit.Outgoing) error
}

// Quoter reports the figures shown on the announcement.
type Quoter interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	Price(ctx context.Context, country, service string) (decimal.Decimal, error)
}

// HandleStore remembers where the announcement lives across restarts.
type HandleStore interface {
	GetAnnouncement(ctx context.Context, channelID string) (storage.AnnouncementRef, bool, error)
	PutAnnouncement(ctx context.Context, ref storage.AnnouncementRef) error
}

type Config struct {
	ChannelID string
	Country   string
	Service   string
	// ScanLimit is how many recent messages are searched for an existing announcement.
	ScanLimit int
	Author    string
	URL       string
}

// Refresher finds or creates the announcement and rewrites it in place.
//
// Lookup order on every run: the remembered message, the stored handle, a scan
// of the last ScanLimit channel messages, and finally a new message. Runs are
// serialized so overlapping triggers never create two announcements.
type Refresher struct {
	mu sync.Mutex

	cfg    Config
	gw     Gateway
	quoter Quoter
	store  HandleStore
	log    logx.Logger

	ref kit.MessageRef
}

// New builds a Refresher. store may be nil.
func New(cfg Config, gw Gateway, quoter Quoter, store HandleStore, log logx.Logger) *Refresher {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = defaultScanLimit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Refresher{cfg: cfg, gw: gw, quoter: quoter, store: store, log: log}
}

// SetScanLimit applies a reloaded scan depth.
func (r *Refresher) SetScanLimit(n int) {
	if n <= 0 {
		n = defaultScanLimit
	}
	r.mu.Lock()
	r.cfg.ScanLimit = n
	r.mu.Unlock()
}

// Current returns the announcement last edited or created, if any.
func (r *Refresher) Current() kit.MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ref
}

// Refresh re-renders the announcement. A missing or non-text channel is not an
// error: the run is skipped.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.gw.FindChannel(ctx, r.cfg.ChannelID)
	if err != nil {
		if errors.Is(err, kit.ErrChannelUnavailable) {
			r.log.Warn("announcement channel unavailable, skipping", logx.String("channel", r.cfg.ChannelID), logx.Err(err))
			return nil
		}
		return fmt.Errorf("find channel: %w", err)
	}
	if !ch.Text {
		r.log.Warn("announcement channel is not a text channel, skipping", logx.String("channel", ch.ID))
		return nil
	}

	balance, err := r.quoter.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	price, err := r.quoter.Price(ctx, r.cfg.Country, r.cfg.Service)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	body := r.body(balance, price)

	stale := r.known(ctx, ch.ID)
	if !stale.IsZero() {
		done, err := r.edit(ctx, stale, body)
		if done || err != nil {
			return err
		}
	}

	if ref, found, err := r.scan(ctx, ch.ID, stale); err != nil {
		return err
	} else if found {
		done, err := r.edit(ctx, ref, body)
		if done || err != nil {
			return err
		}
	}

	ref, err := r.gw.Send(ctx, ch.ID, body)
	if err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	r.log.Info("announcement created", logx.String("message", ref.MessageID))
	r.remember(ctx, ref)
	return nil
}

// edit reports done=true when ref was updated. A vanished message yields
// done=false and no error so the caller moves on to the next candidate.
func (r *Refresher) edit(ctx context.Context, ref kit.MessageRef, body kit.Outgoing) (bool, error) {
	err := r.gw.Edit(ctx, ref, body)
	switch {
	case err == nil:
		if ref != r.ref {
			r.remember(ctx, ref)
		}
		return true, nil
	case errors.Is(err, kit.ErrMessageGone):
		r.log.Info("announcement message is gone", logx.String("message", ref.MessageID))
		if ref == r.ref {
			r.ref = kit.MessageRef{}
		}
		return false, nil
	default:
		return false, fmt.Errorf("edit announcement %s: %w", ref.MessageID, err)
	}
}

func (r *Refresher) known(ctx context.Context, channelID string) kit.MessageRef {
	if !r.ref.IsZero() && r.ref.ChannelID == channelID {
		return r.ref
	}
	if r.store == nil {
		return kit.MessageRef{}
	}
	stored, ok, err := r.store.GetAnnouncement(ctx, channelID)
	if err != nil {
		r.log.Warn("load announcement handle failed", logx.Err(err))
		return kit.MessageRef{}
	}
	if !ok {
		return kit.MessageRef{}
	}
	return kit.MessageRef{ChannelID: stored.ChannelID, MessageID: stored.MessageID}
}

// scan returns the newest bot-authored message carrying the announcement marker,
// ignoring skip.
func (r *Refresher) scan(ctx context.Context, channelID string, skip kit.MessageRef) (kit.MessageRef, bool, error) {
	msgs, err := r.gw.FetchRecentMessages(ctx, channelID, r.cfg.ScanLimit)
	if err != nil {
		return kit.MessageRef{}, false, fmt.Errorf("fetch recent messages: %w", err)
	}
	for _, m := range msgs {
		if m.FromSelf && m.HasEmbed && m.Ref != skip {
			return m.Ref, true, nil
		}
	}
	return kit.MessageRef{}, false, nil
}

func (r *Refresher) remember(ctx context.Context, ref kit.MessageRef) {
	r.ref = ref
	if r.store == nil {
		return
	}
	err := r.store.PutAnnouncement(ctx, storage.AnnouncementRef{
		ChannelID: ref.ChannelID,
		MessageID: ref.MessageID,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		r.log.Warn("save announcement handle failed", logx.Err(err))
	}
}

func (r *Refresher) body(balance, price decimal.Decimal) kit.Outgoing {
	return kit.Outgoing{
		Embed: &kit.Embed{
			Author:      strings.TrimSpace(r.cfg.Author),
			URL:         r.cfg.URL,
			Description: callToAction,
			Fields: []kit.EmbedField{
				{Name: "Balance", Value: "$" + balance.StringFixed(2)},
				{Name: "Price per number", Value: "$" + price.StringFixed(2)},
			},
			Color: embedColor,
		},
		Buttons: []kit.Button{{ID: ButtonID, Label: "Get SMS code", Emoji: "📱"}},
	}
}
