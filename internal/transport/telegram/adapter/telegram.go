package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "smsbot/internal/runtime/supervisor"
	kit "smsbot/internal/transport"
	logx "smsbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// HistorySize bounds the per-chat message log used for recent-message scans.
	HistorySize int
}

// Adapter implements kit.Gateway on top of telebot.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop report, stop watcher).
	sup *rtsup.Supervisor

	history *history

	// droppedUpdates counts updates dropped because the consumer was slower than the poll loop.
	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, history: newHistory(cfg.HistorySize)}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Name is the bot's display name, used as the announcement author.
func (a *Adapter) Name() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	if a.bot.Me.FirstName != "" {
		return a.bot.Me.FirstName
	}
	return a.bot.Me.Username
}

func (a *Adapter) selfID() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return strconv.FormatInt(a.bot.Me.ID, 10)
}

func (a *Adapter) registerHandlers() {
	seen := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := kit.Message{
			Ref:  kit.MessageRef{ChannelID: strconv.FormatInt(m.Chat.ID, 10), MessageID: strconv.Itoa(m.ID)},
			Text: m.Text,
			At:   m.Time(),
		}
		if m.Sender != nil {
			msg.AuthorID = strconv.FormatInt(m.Sender.ID, 10)
			msg.FromSelf = msg.AuthorID == a.selfID()
		}
		a.history.add(msg)
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: &msg})
		return nil
	}
	a.bot.Handle(tele.OnText, seen)
	a.bot.Handle(tele.OnChannelPost, seen)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		in := &kit.Interaction{
			ID:       cb.ID,
			CustomID: cb.Data,
			UserID:   strconv.FormatInt(cb.Sender.ID, 10),
		}
		if m := cb.Message; m != nil && m.Chat != nil {
			in.ChannelID = strconv.FormatInt(m.Chat.ID, 10)
			in.MessageID = strconv.Itoa(m.ID)
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateInteraction, Interaction: in})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() is a long-running loop; restart it if it exits while we are still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func parseChatID(id string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", id, err)
	}
	return v, nil
}

func editable(ref kit.MessageRef) (*tele.Message, error) {
	chatID, err := parseChatID(ref.ChannelID)
	if err != nil {
		return nil, err
	}
	msgID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", ref.MessageID, err)
	}
	return &tele.Message{ID: msgID, Chat: &tele.Chat{ID: chatID}}, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// FindChannel resolves a chat. Private chats and unknown ids are reported as
// kit.ErrChannelUnavailable.
func (a *Adapter) FindChannel(ctx context.Context, id string) (kit.Channel, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.Channel{}, err
	}
	chatID, err := parseChatID(id)
	if err != nil {
		return kit.Channel{}, fmt.Errorf("%w: %v", kit.ErrChannelUnavailable, err)
	}
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return kit.Channel{}, fmt.Errorf("%w: %v", kit.ErrChannelUnavailable, err)
	}
	ch := kit.Channel{ID: strconv.FormatInt(chat.ID, 10), Name: chat.Title}
	switch chat.Type {
	case tele.ChatGroup, tele.ChatSuperGroup, tele.ChatChannel:
		ch.Text = true
	}
	return ch, nil
}

func (a *Adapter) FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]kit.Message, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return a.history.recent(strings.TrimSpace(channelID), limit), nil
}

func (a *Adapter) Send(ctx context.Context, channelID string, msg kit.Outgoing) (kit.MessageRef, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return kit.MessageRef{}, err
	}
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	if rm := replyMarkup(msg.Buttons); rm != nil {
		opt.ReplyMarkup = rm
	}
	sent, err := a.bot.Send(&tele.Chat{ID: chatID}, renderHTML(msg), opt)
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref := kit.MessageRef{ChannelID: strconv.FormatInt(chatID, 10), MessageID: strconv.Itoa(sent.ID)}
	a.history.add(kit.Message{
		Ref:      ref,
		AuthorID: a.selfID(),
		FromSelf: true,
		HasEmbed: msg.Embed != nil,
		At:       time.Now(),
	})
	return ref, nil
}

// Edit replaces a message body. Telegram rejects edits that change nothing;
// those count as success. A deleted target is reported as kit.ErrMessageGone.
func (a *Adapter) Edit(ctx context.Context, ref kit.MessageRef, msg kit.Outgoing) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m, err := editable(ref)
	if err != nil {
		return err
	}
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	if rm := replyMarkup(msg.Buttons); rm != nil {
		opt.ReplyMarkup = rm
	}
	if _, err := a.bot.Edit(m, renderHTML(msg), opt); err != nil {
		switch {
		case errors.Is(err, tele.ErrSameMessageContent):
			return nil
		case messageGone(err):
			a.history.remove(ref)
			return fmt.Errorf("%w: %v", kit.ErrMessageGone, err)
		}
		return err
	}
	return nil
}

func messageGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to edit not found") || strings.Contains(msg, "message can't be edited")
}

func (a *Adapter) Delete(ctx context.Context, ref kit.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m, err := editable(ref)
	if err != nil {
		return err
	}
	if err := a.bot.Delete(m); err != nil {
		return err
	}
	a.history.remove(ref)
	return nil
}

// Reply answers a button press privately (callback alert), visible only to the presser.
func (a *Adapter) Reply(ctx context.Context, in kit.Interaction, text string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: in.ID}, &tele.CallbackResponse{Text: text, ShowAlert: true})
}

var _ kit.Gateway = (*Adapter)(nil)
