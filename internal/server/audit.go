package server

import (
	"context"
	"time"

	"plantmon/internal/eventbus"
	"plantmon/internal/storage"
	logx "plantmon/pkg/logx"
)

// recordAudit writes session lifecycle events to the store until events is
// closed. Sessions never wait on storage.
func (s *Server) recordAudit(events <-chan eventbus.Event) {
	log := s.log.With(logx.String("sub", "audit")).Every(10*time.Second, 1)
	for e := range events {
		d, ok := e.Data.(eventbus.SessionData)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.opts.Store.AppendAudit(ctx, storage.AuditEntry{
			At:        e.Time,
			Event:     e.Type,
			SessionID: d.SessionID,
			Slot:      d.Slot,
			Peer:      d.Peer,
			Subject:   d.Subject,
			Reason:    d.Reason,
		})
		cancel()
		if err != nil {
			log.Warn("audit append failed", logx.String("event", e.Type), logx.Err(err))
		}
	}
}
