package core

import "pkt.systems/kernelq/schema"

// EventSink receives record and session events from the core service.
type EventSink interface {
	OnRecord(event schema.RecordEvent)
	OnSession(event schema.SessionEvent)
}
