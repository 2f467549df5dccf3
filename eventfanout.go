package kernelq

import (
	"pkt.systems/kernelq/core"
	"pkt.systems/kernelq/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnRecord(event schema.RecordEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnRecord(event)
	}
}

func (f eventFanout) OnSession(event schema.SessionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSession(event)
	}
}
