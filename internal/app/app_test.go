package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smsbot/internal/announce"
	"smsbot/internal/config"
	"smsbot/internal/eventbus"
	"smsbot/internal/notify"
	"smsbot/internal/orders"
	"smsbot/internal/provisioning"
	"smsbot/internal/storage"
	"smsbot/internal/task/scheduler"
	kit "smsbot/internal/transport"
	logx "smsbot/pkg/logx"
)

type stubPlacer struct {
	pl    orders.Placement
	err   error
	users []string
}

func (p *stubPlacer) Place(ctx context.Context, userID string) (orders.Placement, error) {
	p.users = append(p.users, userID)
	return p.pl, p.err
}

type recordingReplier struct {
	mu      sync.Mutex
	replies []string
}

func (r *recordingReplier) Reply(ctx context.Context, in kit.Interaction, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

type inlineRunner struct{ names []string }

func (r *inlineRunner) Go0(name string, fn func(ctx context.Context)) {
	r.names = append(r.names, name)
	fn(context.Background())
}

func press(customID, user string) kit.Update {
	return kit.Update{Kind: kit.UpdateInteraction, Interaction: &kit.Interaction{ID: "cb", CustomID: customID, UserID: user}}
}

func TestReplyText(t *testing.T) {
	require.Equal(t, "Your phone number is +15550001", replyText(orders.Placement{Number: "15550001"}, nil))
	require.Equal(t, replyAlreadyOrdered, replyText(orders.Placement{}, orders.ErrAlreadyOrdered))
	require.Equal(t, "Insufficient balance", replyText(orders.Placement{}, &provisioning.RejectedError{Message: "Insufficient balance"}))
	require.Equal(t, replyFailed, replyText(orders.Placement{}, errors.New("dial tcp: timeout")))
}

func TestInteractionsRequestOnButtonPress(t *testing.T) {
	placer := &stubPlacer{pl: orders.Placement{OrderID: "o1", Number: "1999"}}
	rep := &recordingReplier{}
	run := &inlineRunner{}
	h := &interactions{placer: placer, reply: rep, run: run, log: logx.Nop(), timeout: time.Second}

	h.handle(press(announce.ButtonID, "42"))
	h.handle(press("other", "43"))
	h.handle(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Text: "hi"}})

	require.Equal(t, []string{"42"}, placer.users)
	require.Equal(t, []string{"interaction.request"}, run.names)
	require.Equal(t, []string{"Your phone number is +1999"}, rep.replies)
}

func TestInteractionsLoopStopsOnClose(t *testing.T) {
	placer := &stubPlacer{err: orders.ErrAlreadyOrdered}
	rep := &recordingReplier{}
	h := &interactions{placer: placer, reply: rep, run: &inlineRunner{}, log: logx.Nop()}

	updates := make(chan kit.Update, 2)
	updates <- press(announce.ButtonID, "7")
	close(updates)
	require.NoError(t, h.loop(context.Background(), updates))
	require.Equal(t, []string{replyAlreadyOrdered}, rep.replies)
}

type stalledPlacer struct{ deadline time.Duration }

func (p *stalledPlacer) Place(ctx context.Context, userID string) (orders.Placement, error) {
	if dl, ok := ctx.Deadline(); ok {
		p.deadline = time.Until(dl)
	}
	<-ctx.Done()
	return orders.Placement{}, ctx.Err()
}

type ctxCheckingReplier struct {
	recordingReplier
	ctxErrs []error
}

func (r *ctxCheckingReplier) Reply(ctx context.Context, in kit.Interaction, text string) error {
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return r.recordingReplier.Reply(ctx, in, text)
}

func TestInteractionsAnswerAfterStalledPurchase(t *testing.T) {
	placer := &stalledPlacer{}
	rep := &ctxCheckingReplier{}
	h := &interactions{placer: placer, reply: rep, run: &inlineRunner{}, log: logx.Nop(), timeout: 30 * time.Millisecond}

	start := time.Now()
	h.handle(press(announce.ButtonID, "42"))
	require.Less(t, time.Since(start), time.Second)

	require.Positive(t, placer.deadline)
	require.LessOrEqual(t, placer.deadline, 30*time.Millisecond)
	require.Equal(t, []string{replyFailed}, rep.replies)
	require.Equal(t, []error{nil}, rep.ctxErrs)
}

func TestRequestTimeoutFitsCallbackWindow(t *testing.T) {
	require.Less(t, requestTimeout+replyTimeout, 15*time.Second)
}

type memAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
	err     error
}

func (m *memAudit) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) snapshot() []storage.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.AuditEntry(nil), m.entries...)
}

func TestRecordAuditConvertsOrderEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	sink := &memAudit{}

	done := make(chan struct{})
	go func() {
		recordAudit(context.Background(), events, sink, logx.Nop())
		close(done)
	}()

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: "unrelated", Data: 5})
	bus.Publish(eventbus.Event{Type: orders.EventPlaced, Time: at, Data: orders.Event{OrderID: "o1", UserID: "u1", RequestID: "r1", Status: 1}})
	bus.Publish(eventbus.Event{Type: orders.EventRejected, Time: at, Data: orders.Event{UserID: "u2", Detail: "out of stock"}})
	unsub()
	<-done

	require.Equal(t, []storage.AuditEntry{
		{At: at, Event: orders.EventPlaced, OrderID: "o1", UserID: "u1", RequestID: "r1", Status: 1},
		{At: at, Event: orders.EventRejected, UserID: "u2", Detail: "out of stock"},
	}, sink.snapshot())
}

func TestRecordAuditSurvivesSinkErrors(t *testing.T) {
	events := make(chan eventbus.Event, 2)
	events <- eventbus.Event{Type: orders.EventFailed, Data: orders.Event{OrderID: "o1"}}
	events <- eventbus.Event{Type: orders.EventFailed, Data: orders.Event{OrderID: "o2"}}
	close(events)
	recordAudit(context.Background(), events, &memAudit{err: errors.New("disk full")}, logx.Nop())
	recordAudit(context.Background(), make(chan eventbus.Event), nil, logx.Nop())
}

func TestStepHonoursDeadline(t *testing.T) {
	ran := false
	step(context.Background(), logx.Nop(), "quick", time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	require.True(t, ran)

	start := time.Now()
	step(context.Background(), logx.Nop(), "slow", 50*time.Millisecond, func(c context.Context) error {
		<-c.Done()
		time.Sleep(20 * time.Millisecond)
		return c.Err()
	})
	require.Less(t, time.Since(start), time.Second)

	step(context.Background(), logx.Nop(), "panics", time.Second, func(context.Context) error { panic("boom") })
}

func newReloadApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	logs, log := logx.New(logx.Config{Level: "error"})
	t.Cleanup(func() { _ = logs.Close() })

	sched := scheduler.New(scheduler.Config{}, log)
	dir := orders.NewDirectory()
	a := &App{log: log, logs: logs, sched: sched, dir: dir}
	a.notifier = notify.New(notify.Config{TTL: cfg.Orders.CodeTTLOrDefault()}, nil, sched, nil, log)
	a.poller = orders.NewPoller(orders.PollerConfig{}, dir, nil, a.notifier, nil, log)
	a.refresher = announce.New(announce.Config{}, nil, nil, nil, log)
	require.NoError(t, a.scheduleJobs(cfg))
	return a
}

func intervalOf(t *testing.T, s *scheduler.Service, name string) time.Duration {
	t.Helper()
	for _, sc := range s.Snapshot().Schedules {
		if sc.Name == name {
			return sc.Every
		}
	}
	t.Fatalf("schedule %s not registered", name)
	return 0
}

func TestApplyConfigReschedulesAndRetunes(t *testing.T) {
	prev := config.Defaults()
	a := newReloadApp(t, &prev)
	require.Equal(t, 5*time.Second, intervalOf(t, a.sched, jobPoll))
	require.Equal(t, 20*time.Second, intervalOf(t, a.sched, jobRefresh))

	next := config.Defaults()
	next.Orders.PollInterval = "3s"
	next.Orders.CodeTTL = "45s"
	next.Announce.RefreshInterval = "1m"
	a.applyConfig(&prev, &next)

	require.Equal(t, 3*time.Second, intervalOf(t, a.sched, jobPoll))
	require.Equal(t, time.Minute, intervalOf(t, a.sched, jobRefresh))
	require.Equal(t, 45*time.Second, a.notifier.TTL())
}

func TestReloadLoopAppliesNewestConfig(t *testing.T) {
	prev := config.Defaults()
	a := newReloadApp(t, &prev)

	sub := make(chan *config.Config, 4)
	first := config.Defaults()
	first.Orders.PollInterval = "9s"
	last := config.Defaults()
	last.Orders.PollInterval = "2s"
	sub <- &first
	sub <- &last
	close(sub)

	a.reloadLoop(context.Background(), sub, &prev)
	require.Equal(t, 2*time.Second, intervalOf(t, a.sched, jobPoll))
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Defaults()
	lc := logConfig(&cfg)
	require.False(t, lc.File.Enabled)

	cfg.Logging.File.Path = " /var/log/smsbot.log "
	cfg.Logging.File.MaxBackups = 3
	lc = logConfig(&cfg)
	require.True(t, lc.File.Enabled)
	require.Equal(t, "/var/log/smsbot.log", lc.File.Path)
	require.Equal(t, 3, lc.File.MaxBackups)

	cfg.Storage = config.StorageConfig{Driver: "sqlite", Path: "bot.db", BusyTimeout: "2s"}
	require.Equal(t, storage.Config{Driver: "sqlite", Path: "bot.db", BusyTimeout: 2 * time.Second}, storageConfig(&cfg))
}
