package core

import (
	"time"

	"pkt.systems/pslog"
)

// ServiceDeps captures optional dependencies for the core service.
type ServiceDeps struct {
	Backends    BackendProvider
	Images      ImageStore
	Transcripts TranscriptStore
	EventSink   EventSink
	Logger      pslog.Logger
	// Now overrides the clock used for record timing.
	Now func() time.Time
}
