package app

import (
	"context"
	"time"

	"smsbot/internal/eventbus"
	"smsbot/internal/orders"
	"smsbot/internal/storage"
	logx "smsbot/pkg/logx"
)

type auditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	ev, ok := e.Data.(orders.Event)
	if !ok {
		return storage.AuditEntry{}, false
	}
	return storage.AuditEntry{
		At:        e.Time,
		Event:     e.Type,
		OrderID:   ev.OrderID,
		UserID:    ev.UserID,
		RequestID: ev.RequestID,
		Status:    ev.Status,
		Detail:    ev.Detail,
	}, true
}

// recordAudit drains order events into sink until ctx is done or the
// subscription is closed. sink may be nil, in which case events are only logged.
func recordAudit(ctx context.Context, events <-chan eventbus.Event, sink auditSink, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			log.Debug("order event",
				logx.String("type", entry.Event),
				logx.String("order", entry.OrderID),
				logx.String("user", entry.UserID),
			)
			if sink == nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := sink.AppendAudit(wctx, entry); err != nil {
				log.Warn("audit append failed", logx.String("type", entry.Event), logx.Err(err))
			}
			cancel()
		}
	}
}
