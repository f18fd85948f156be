package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "smsbot/pkg/logx"
)

// AddInterval registers (or replaces) a job that runs every `every`. Runs of
// the same job never overlap. The first run happens one interval after Start.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if every < time.Second {
		return fmt.Errorf("interval %s for %q is below one second", every, name)
	}
	if job == nil {
		return errors.New("job required")
	}

	s.removeOnce(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	d := &scheduleDef{name: name, every: every, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		s.addCronLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.Duration("every", every), logx.Duration("timeout", timeout))
	return nil
}

// AddOnce runs job once at `at` (immediately if `at` has passed). Registering
// the same name again replaces the pending run.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	s.removeScheduleLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev, ok := s.once[name]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	s.onceVer++
	def := &onceDef{at: at, timeout: timeout, ver: s.onceVer}
	s.once[name] = def

	ver := def.ver
	def.timer = time.AfterFunc(max(time.Until(at), 0), func() {
		// Ignore callbacks of timers that were replaced or removed.
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()
		s.run(name, timeout, job)
	})
	return nil
}

// Remove unschedules the interval or one-shot job with the given name. It
// reports whether something was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeScheduleLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	o, ok := s.once[name]
	if !ok {
		return false
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(s.once, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) {
	name, timeout, job := d.name, d.timeout, d.job
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: s.log})).Then(cron.FuncJob(func() {
		s.run(name, timeout, job)
	}))
	d.entryID = s.c.Schedule(cron.Every(d.every), wrapped)
}

// run executes one job invocation with panic recovery, timeout and history.
func (s *Service) run(name string, timeout time.Duration, job func(ctx context.Context) error) {
	s.mu.Lock()
	base := s.base
	if base != nil && base.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.runs.Add(1)
	s.mu.Unlock()
	defer s.runs.Done()
	if base == nil {
		base = context.Background()
	}

	ctx := base
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panic", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job(ctx)
	}()
	took := time.Since(start)

	item := HistoryItem{Name: name, Started: start, Took: took}
	if err != nil {
		item.Error = err.Error()
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
		}
	}
	s.record(item)
}

func (s *Service) record(it HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}
