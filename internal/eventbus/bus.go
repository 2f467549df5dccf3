// Package eventbus fans record and session events out to per-session
// subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventRecord carries a record update.
	EventRecord EventType = "record"
	// EventSession carries a session lifecycle or status change.
	EventSession EventType = "session"
)

// Event is one update delivered to subscribers.
type Event struct {
	Type    EventType
	Record  schema.RecordEvent
	Session schema.SessionEvent
}

// Name returns the session the event belongs to.
func (e Event) Name() schema.SessionName {
	if e.Type == EventRecord {
		return e.Record.Session
	}
	return e.Session.Session.Name
}

// Bus fans events out to subscribers keyed by session name.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SessionName]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SessionName]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for one session and returns its channel
// and a cancel func. Slow subscribers lose events rather than block the
// publisher.
func (b *Bus) Subscribe(name schema.SessionName) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	subs := b.subs[name]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subs[name] = subs
	}
	subs[ch] = struct{}{}
	count := len(subs)
	b.mu.Unlock()
	b.log.With("session", name).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[name]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, name)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.With("session", name).Debug("eventbus unsubscribe")
		})
	}
}

// Subscribers reports the number of subscribers for a session.
func (b *Bus) Subscribers(name schema.SessionName) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}

// OnRecord implements core.EventSink.
func (b *Bus) OnRecord(event schema.RecordEvent) {
	b.publish(Event{Type: EventRecord, Record: event})
}

// OnSession implements core.EventSink.
func (b *Bus) OnSession(event schema.SessionEvent) {
	b.publish(Event{Type: EventSession, Session: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	name := event.Name()
	dropped := 0
	b.mu.Lock()
	for sub := range b.subs[name] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("session", name).Trace("eventbus dropped", "count", dropped)
	}
}
