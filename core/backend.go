package core

import (
	"context"

	"pkt.systems/kernelq/schema"
)

// Backend is an opaque duplex channel to one running kernel.
type Backend interface {
	// Execute sends code for execution and returns the request id that
	// events produced by this execution carry as their parent id.
	Execute(ctx context.Context, code string) (string, error)
	// Inspect performs a synchronous introspection request.
	Inspect(ctx context.Context, code string, cursorPos int) (InspectReply, error)
	// Interrupt asks the kernel to abort the in-flight execution.
	Interrupt(ctx context.Context) error
	// Restart restarts the kernel process, discarding its state.
	Restart(ctx context.Context) error
	// Shutdown stops the kernel and closes the event stream.
	Shutdown(ctx context.Context) error
	// Events returns the broadcast event stream.
	Events() EventStream
}

// EventStream yields kernel broadcast events. Next returns io.EOF once the
// channel is closed.
type EventStream interface {
	Next(ctx context.Context) (schema.KernelEvent, error)
}

// InspectReply is the result of an introspection request.
type InspectReply struct {
	Found bool
	Data  map[string]string
}

// LaunchRequest describes the kernel a session needs.
type LaunchRequest struct {
	Session    schema.SessionName
	WorkingDir string
	Variant    schema.KernelVariant
}

// BackendProvider launches kernels for sessions.
type BackendProvider interface {
	Launch(ctx context.Context, req LaunchRequest) (Backend, error)
}

// BackendProviderFunc adapts a function to BackendProvider.
type BackendProviderFunc func(ctx context.Context, req LaunchRequest) (Backend, error)

// Launch calls f.
func (f BackendProviderFunc) Launch(ctx context.Context, req LaunchRequest) (Backend, error) {
	return f(ctx, req)
}

// ImageStore persists extracted images and shows them to the user.
type ImageStore interface {
	// Save writes PNG bytes to a fresh file and returns its path.
	Save(ctx context.Context, session schema.SessionName, png []byte) (string, error)
	// Show opens the image in a viewer.
	Show(ctx context.Context, path string) error
}

// TranscriptStore saves the records of a session that is shutting down.
type TranscriptStore interface {
	SaveTranscript(session schema.SessionSnapshot, records []schema.RecordSnapshot) error
}
