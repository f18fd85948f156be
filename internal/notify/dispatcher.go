// Package notify delivers received codes to their owners as channel messages
// that remove themselves after a short time.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	kit "smsbot/internal/transport"
	logx "smsbot/pkg/logx"
)

const DefaultTTL = 2 * time.Minute

type Gateway interface {
	Send(ctx context.Context, channelID string, msg kit.Outgoing) (kit.MessageRef, error)
	Delete(ctx context.Context, ref kit.MessageRef) error
}

// OnceScheduler runs a job once at a given time.
type OnceScheduler interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) error
}

// Runner starts fire-and-forget work owned by someone else's lifetime.
type Runner interface {
	Go0(name string, fn func(ctx context.Context))
}

type Config struct {
	ChannelID string
	// TTL is how long a code message stays visible (default 2m).
	TTL time.Duration
	// SendTimeout bounds a single send (default 10s).
	SendTimeout time.Duration
}

// Dispatcher sends `<mention> Your code is <code>` and schedules the message's
// deletion TTL after it was sent. Neither the send nor the delete is retried,
// and no failure reaches the caller.
type Dispatcher struct {
	cfg    Config
	gw     Gateway
	sched  OnceScheduler
	runner Runner
	log    logx.Logger
	now    func() time.Time

	ttl atomic.Int64 // time.Duration

	sent    atomic.Uint64
	failed  atomic.Uint64
	deleted atomic.Uint64
}

// New builds a Dispatcher. With a nil runner Deliver sends synchronously.
func New(cfg Config, gw Gateway, sched OnceScheduler, runner Runner, log logx.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, gw: gw, sched: sched, runner: runner, log: log, now: time.Now}
	d.SetTTL(cfg.TTL)
	return d
}

// SetTTL applies a reloaded visibility window.
func (d *Dispatcher) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d.ttl.Store(int64(ttl))
}

func (d *Dispatcher) TTL() time.Duration { return time.Duration(d.ttl.Load()) }

// Stats reports sends, send failures and completed deletions.
func (d *Dispatcher) Stats() (sent, failed, deleted uint64) {
	return d.sent.Load(), d.failed.Load(), d.deleted.Load()
}

// Deliver hands the code to its owner. It never blocks on the chat platform
// when a runner is configured.
func (d *Dispatcher) Deliver(ctx context.Context, userID, code string) {
	if d.runner == nil {
		d.deliver(ctx, userID, code)
		return
	}
	d.runner.Go0("notify.deliver", func(ctx context.Context) {
		d.deliver(ctx, userID, code)
	})
}

func (d *Dispatcher) deliver(ctx context.Context, userID, code string) {
	log := d.log.With(logx.String("user", userID))

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	ref, err := d.gw.Send(sendCtx, d.cfg.ChannelID, kit.Outgoing{Mention: userID, Text: "Your code is", Code: code})
	cancel()
	if err != nil {
		d.failed.Add(1)
		log.Warn("code delivery failed", logx.Err(err))
		return
	}
	d.sent.Add(1)

	at := d.now().Add(d.TTL())
	err = d.sched.AddOnce("notify.delete."+ref.ChannelID+"."+ref.MessageID, at, d.cfg.SendTimeout, func(ctx context.Context) error {
		if err := d.gw.Delete(ctx, ref); err != nil {
			log.Warn("code message cleanup failed", logx.String("message", ref.MessageID), logx.Err(err))
			return nil
		}
		d.deleted.Add(1)
		return nil
	})
	if err != nil {
		log.Warn("code message cleanup not scheduled", logx.String("message", ref.MessageID), logx.Err(err))
		return
	}
	log.Debug("code delivered", logx.String("message", ref.MessageID), logx.Time("delete_at", at))
}
