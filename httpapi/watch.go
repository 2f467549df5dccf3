package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pkt.systems/kernelq/internal/eventbus"
	"pkt.systems/kernelq/internal/logx"
	"pkt.systems/kernelq/schema"
)

const watchWriteTimeout = 10 * time.Second

// handleWatch streams one session's record updates over a websocket. The
// current records are sent first, then every update until the session stops
// or the client disconnects.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("watch disabled"))
		return
	}
	log := logx.WithSession(r.Context(), name)

	events, unsubscribe := s.bus.Subscribe(name)
	defer unsubscribe()
	records, err := s.service.Records(r.Context(), name)
	if err != nil {
		writeServiceError(w, name, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("http watch accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	for i := range records {
		record := records[i]
		if err := writeWatch(ctx, conn, StreamEvent{Type: StreamRecord, Session: name, Record: &record, Timestamp: time.Now()}); err != nil {
			log.Debug("http watch write failed", "err", err)
			return
		}
	}
	log.Info("http watch opened", "records", len(records))
	done := s.baseCtx.Done()
	for {
		select {
		case <-ctx.Done():
			log.Info("http watch closed")
			return
		case <-done:
			_ = conn.Close(websocket.StatusGoingAway, "server stopping")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			msg := watchEvent(event)
			if err := writeWatch(ctx, conn, msg); err != nil {
				log.Debug("http watch write failed", "err", err)
				return
			}
			if event.Type == eventbus.EventSession && event.Session.Type == schema.SessionEventStopped {
				_ = conn.Close(websocket.StatusNormalClosure, "session stopped")
				log.Info("http watch closed", "reason", "session stopped")
				return
			}
		}
	}
}

func watchEvent(event eventbus.Event) StreamEvent {
	if event.Type == eventbus.EventRecord {
		record := event.Record.Record
		return StreamEvent{Type: StreamRecord, Session: event.Record.Session, Record: &record, Timestamp: time.Now()}
	}
	state := event.Session.Session
	return StreamEvent{
		Type:         StreamSession,
		Session:      state.Name,
		SessionEvent: event.Session.Type,
		State:        &state,
		Timestamp:    event.Session.At,
	}
}

func writeWatch(ctx context.Context, conn *websocket.Conn, event StreamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
