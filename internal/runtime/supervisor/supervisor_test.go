package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "fails: boom") {
		t.Fatalf("Wait() = %v, want fails: boom", err)
	}
	snap := s.Snapshot()
	if snap.Active != 0 || snap.Started != 2 {
		t.Fatalf("snapshot active=%d started=%d, want 0 and 2", snap.Active, snap.Started)
	}
}

func TestGoRecoversPanics(t *testing.T) {
	s := New(context.Background())
	s.Go0("panics", func(ctx context.Context) { panic("kaput") })
	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "panic in panics") {
		t.Fatalf("Wait() = %v, want panic error", err)
	}
	if s.Context().Err() != nil {
		t.Fatalf("context canceled without WithCancelOnError")
	}
	for _, st := range s.Snapshot().Tasks {
		if st.Name == "panics" && st.Panics != 1 {
			t.Fatalf("panics = %d, want 1", st.Panics)
		}
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("stops", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
}

func TestGoRestartBacksOffUntilCanceled(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) >= 3 {
			<-ctx.Done()
			return nil
		}
		return errors.New("transient")
	}, WithRestartBackoff(5*time.Millisecond, 10*time.Millisecond), WithPublishFirstError(true))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}
	if err := s.Stop(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "transient") {
		t.Fatalf("Stop() = %v, want published transient error", err)
	}
	for _, st := range s.Snapshot().Tasks {
		if st.Name == "flaky" && st.Restarts < 2 {
			t.Fatalf("restarts = %d, want >= 2", st.Restarts)
		}
	}
}
