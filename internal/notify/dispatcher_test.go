package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "smsbot/internal/transport"
	logx "smsbot/pkg/logx"
)

type fakeGateway struct {
	mu        sync.Mutex
	sendErr   error
	deleteErr error
	sent      []kit.Outgoing
	deleted   []kit.MessageRef
}

func (g *fakeGateway) Send(ctx context.Context, channelID string, msg kit.Outgoing) (kit.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return kit.MessageRef{}, g.sendErr
	}
	g.sent = append(g.sent, msg)
	return kit.MessageRef{ChannelID: channelID, MessageID: "m1"}, nil
}

func (g *fakeGateway) Delete(ctx context.Context, ref kit.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	g.deleted = append(g.deleted, ref)
	return nil
}

type scheduled struct {
	name string
	at   time.Time
	job  func(ctx context.Context) error
}

type fakeScheduler struct {
	jobs []scheduled
	err  error
}

func (s *fakeScheduler) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) error {
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, scheduled{name: name, at: at, job: job})
	return nil
}

func newTestDispatcher(gw *fakeGateway, sched *fakeScheduler, now time.Time) *Dispatcher {
	d := New(Config{ChannelID: "-100"}, gw, sched, nil, logx.Nop())
	d.now = func() time.Time { return now }
	return d
}

func TestDeliverSchedulesDeletionAfterTTL(t *testing.T) {
	gw := &fakeGateway{}
	sched := &fakeScheduler{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDispatcher(gw, sched, now)

	d.Deliver(context.Background(), "42", "123456")

	require.Equal(t, []kit.Outgoing{{Mention: "42", Text: "Your code is", Code: "123456"}}, gw.sent)
	require.Len(t, sched.jobs, 1)
	require.Equal(t, now.Add(2*time.Minute), sched.jobs[0].at)

	require.NoError(t, sched.jobs[0].job(context.Background()))
	require.Equal(t, []kit.MessageRef{{ChannelID: "-100", MessageID: "m1"}}, gw.deleted)
	sent, failed, deleted := d.Stats()
	require.Equal(t, [3]uint64{1, 0, 1}, [3]uint64{sent, failed, deleted})
}

func TestDeliverHonoursReloadedTTL(t *testing.T) {
	sched := &fakeScheduler{}
	now := time.Now()
	d := newTestDispatcher(&fakeGateway{}, sched, now)
	d.SetTTL(30 * time.Second)
	d.Deliver(context.Background(), "1", "c")
	require.Equal(t, now.Add(30*time.Second), sched.jobs[0].at)

	d.SetTTL(0)
	require.Equal(t, DefaultTTL, d.TTL())
}

func TestDeleteFailureDoesNotPropagate(t *testing.T) {
	gw := &fakeGateway{deleteErr: errors.New("forbidden")}
	sched := &fakeScheduler{}
	d := newTestDispatcher(gw, sched, time.Now())

	d.Deliver(context.Background(), "42", "123456")
	require.Len(t, sched.jobs, 1)
	require.NoError(t, sched.jobs[0].job(context.Background()))
	_, _, deleted := d.Stats()
	require.Zero(t, deleted)
}

func TestSendFailureSchedulesNothing(t *testing.T) {
	gw := &fakeGateway{sendErr: errors.New("chat not found")}
	sched := &fakeScheduler{}
	d := newTestDispatcher(gw, sched, time.Now())

	d.Deliver(context.Background(), "42", "123456")
	require.Empty(t, sched.jobs)
	_, failed, _ := d.Stats()
	require.EqualValues(t, 1, failed)
}

func TestSchedulerRefusalIsSwallowed(t *testing.T) {
	gw := &fakeGateway{}
	d := newTestDispatcher(gw, &fakeScheduler{err: errors.New("stopped")}, time.Now())
	d.Deliver(context.Background(), "42", "123456")
	require.Len(t, gw.sent, 1)
}

type syncRunner struct{ names []string }

func (r *syncRunner) Go0(name string, fn func(ctx context.Context)) {
	r.names = append(r.names, name)
	fn(context.Background())
}

func TestDeliverUsesRunner(t *testing.T) {
	gw := &fakeGateway{}
	runner := &syncRunner{}
	d := New(Config{ChannelID: "-100"}, gw, &fakeScheduler{}, runner, logx.Nop())
	d.Deliver(context.Background(), "42", "1")
	require.Equal(t, []string{"notify.deliver"}, runner.names)
	require.Len(t, gw.sent, 1)
}
