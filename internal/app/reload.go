package app

import (
	"context"
	"strings"

	"smsbot/internal/config"
	logx "smsbot/pkg/logx"
)

// reloadLoop applies published configs until ctx is done. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, applied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(applied, next)
			applied = next
		}
	}
}

// applyConfig re-applies the live sections of next. Sections that need a
// restart are only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	a.logs.Apply(logConfig(next))

	if prev.Orders.PollIntervalOrDefault() != next.Orders.PollIntervalOrDefault() ||
		prev.Announce.RefreshIntervalOrDefault() != next.Announce.RefreshIntervalOrDefault() {
		if err := a.scheduleJobs(next); err != nil {
			a.log.Warn("reschedule failed; keeping previous intervals", logx.Err(err))
		}
	}
	a.notifier.SetTTL(next.Orders.CodeTTLOrDefault())
	a.poller.SetMaxAge(next.Orders.MaxAgeOrZero())
	a.refresher.SetScanLimit(next.Announce.ScanLimit)

	if len(ch.Live) > 0 {
		a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Live, ",")))
	}
}
