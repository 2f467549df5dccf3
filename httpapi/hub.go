package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/kernelq/internal/logx"
	"pkt.systems/kernelq/schema"
)

// Stream event types.
const (
	StreamRecord   = "record"
	StreamSession  = "session"
	StreamSnapshot = "snapshot"
)

// StreamEvent is sent to SSE and websocket watchers.
type StreamEvent struct {
	Seq          uint64                   `json:"seq,omitempty"`
	Type         string                   `json:"type"`
	Session      schema.SessionName       `json:"session,omitempty"`
	SessionEvent schema.SessionEventType  `json:"session_event,omitempty"`
	Record       *schema.RecordSnapshot   `json:"record,omitempty"`
	State        *schema.SessionSnapshot  `json:"state,omitempty"`
	Sessions     []schema.SessionSnapshot `json:"sessions,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

// Hub keeps a bounded history of every session event and broadcasts new
// ones to subscribers.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	subs        map[chan StreamEvent]struct{}
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		subs:        make(map[chan StreamEvent]struct{}),
		historySize: historySize,
	}
}

// OnRecord implements core.EventSink.
func (h *Hub) OnRecord(event schema.RecordEvent) {
	record := event.Record
	h.publish(StreamEvent{
		Type:      StreamRecord,
		Session:   event.Session,
		Record:    &record,
		Timestamp: time.Now(),
	})
}

// OnSession implements core.EventSink.
func (h *Hub) OnSession(event schema.SessionEvent) {
	logx.WithSession(context.Background(), event.Session.Name).Trace("hub session event", "type", event.Type, "status", event.Session.Status)
	state := event.Session
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	h.publish(StreamEvent{
		Type:         StreamSession,
		Session:      state.Name,
		SessionEvent: event.Type,
		State:        &state,
		Timestamp:    at,
	})
}

// Subscribe registers a subscriber and returns the current sequence number.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	seq := h.seq
	log := logx.Ctx(context.Background())
	log.Debug("hub subscribe", "subs", len(h.subs), "seq", seq)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			log.Debug("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns buffered events with a sequence number after after and up
// to through.
func (h *Hub) Replay(after, through uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]StreamEvent, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after && event.Seq <= through {
			events = append(events, event)
		}
	}
	logx.Ctx(context.Background()).Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		logx.WithSession(context.Background(), event.Session).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}
