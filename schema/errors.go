package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidSession indicates an invalid session name.
	ErrInvalidSession = errors.New("invalid session name")
	// ErrSessionNotRunning indicates no session with the given name exists.
	ErrSessionNotRunning = errors.New("session is not running")
	// ErrSessionClosed indicates the session is shutting down or terminated.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownSlot indicates a slot that is not (or no longer) in the buffer.
	ErrUnknownSlot = errors.New("unknown slot")
	// ErrBackendUnavailable indicates no kernel backend is configured.
	ErrBackendUnavailable = errors.New("kernel backend not configured")
	// ErrTranscriptNotFound indicates no saved transcript exists for a session.
	ErrTranscriptNotFound = errors.New("transcript not found")
)

// NotRunningMessage renders the user-facing message for an unknown session.
func NotRunningMessage(name SessionName) string {
	return "Kernel '" + string(name) + "' is not running."
}
