package schema

import "time"

// StderrTag prefixes stderr lines inside a record output.
const StderrTag = "stderr:"

// ImageTag introduces the path of an extracted image inside a record output.
const ImageTag = "[Image]:"

// RecordEvent reports a change to one record of a session.
type RecordEvent struct {
	Session SessionName    `json:"session"`
	Record  RecordSnapshot `json:"record"`
}

// SessionEventType describes a session lifecycle or status change.
type SessionEventType string

const (
	// SessionEventStarted indicates a session was created.
	SessionEventStarted SessionEventType = "started"
	// SessionEventStatus indicates the session status changed.
	SessionEventStatus SessionEventType = "status"
	// SessionEventRestarted indicates the session buffer was cleared by a restart.
	SessionEventRestarted SessionEventType = "restarted"
	// SessionEventStopped indicates the session was shut down.
	SessionEventStopped SessionEventType = "stopped"
)

// SessionEvent reports session lifecycle changes.
type SessionEvent struct {
	Type    SessionEventType `json:"type"`
	Session SessionSnapshot  `json:"session"`
	At      time.Time        `json:"at"`
}
