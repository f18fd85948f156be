package app

import (
	"context"
	"errors"
	"time"

	"smsbot/internal/announce"
	"smsbot/internal/orders"
	"smsbot/internal/provisioning"
	kit "smsbot/internal/transport"
	logx "smsbot/pkg/logx"
)

const (
	replyAlreadyOrdered = "You have already ordered a number. You will be notified when a code is received!"
	replyFailed         = "Could not get a number right now. Please try again in a moment."

	// replyTimeout bounds answering a button press once the purchase is done.
	replyTimeout = 5 * time.Second
)

type requester interface {
	Place(ctx context.Context, userID string) (orders.Placement, error)
}

type replier interface {
	Reply(ctx context.Context, in kit.Interaction, text string) error
}

type runner interface {
	Go0(name string, fn func(ctx context.Context))
}

// interactions turns button presses into order requests. Each press is
// handled on its own goroutine so a slow purchase never stalls the update loop.
// timeout caps the purchase so the answer lands inside the callback window.
type interactions struct {
	placer  requester
	reply   replier
	run     runner
	log     logx.Logger
	timeout time.Duration
}

func (h *interactions) loop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			h.handle(up)
		}
	}
}

func (h *interactions) handle(up kit.Update) {
	if up.Kind != kit.UpdateInteraction || up.Interaction == nil {
		return
	}
	in := *up.Interaction
	if in.CustomID != announce.ButtonID {
		h.log.Debug("ignoring interaction", logx.String("custom_id", in.CustomID))
		return
	}
	h.run.Go0("interaction.request", func(ctx context.Context) {
		placeCtx := ctx
		if h.timeout > 0 {
			var cancel context.CancelFunc
			placeCtx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
		pl, err := h.placer.Place(placeCtx, in.UserID)
		if err != nil && !isBusinessRejection(err) {
			h.log.Warn("number request failed", logx.String("user", in.UserID), logx.Err(err))
		}
		// The answer gets its own deadline so a purchase that used up its
		// budget still tells the user something.
		replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
		defer cancel()
		if rerr := h.reply.Reply(replyCtx, in, replyText(pl, err)); rerr != nil {
			h.log.Warn("reply failed", logx.String("user", in.UserID), logx.Err(rerr))
		}
	})
}

func isBusinessRejection(err error) bool {
	var rej *provisioning.RejectedError
	return errors.Is(err, orders.ErrAlreadyOrdered) || errors.As(err, &rej)
}

func replyText(pl orders.Placement, err error) string {
	var rej *provisioning.RejectedError
	switch {
	case err == nil:
		return "Your phone number is +" + pl.Number
	case errors.Is(err, orders.ErrAlreadyOrdered):
		return replyAlreadyOrdered
	case errors.As(err, &rej):
		return rej.Message
	default:
		return replyFailed
	}
}
