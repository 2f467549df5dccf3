package schema

import "time"

// StartSessionRequest creates and launches a session.
type StartSessionRequest struct {
	Name         SessionName   `json:"name"`
	WorkingDir   string        `json:"cwd,omitempty"`
	Variant      KernelVariant `json:"variant,omitempty"`
	RunningLabel string        `json:"running_label,omitempty"`
	QueuedLabel  string        `json:"queued_label,omitempty"`
}

// StartSessionResponse reports the session and whether it was created by this call.
type StartSessionResponse struct {
	Session SessionSnapshot `json:"session"`
	Created bool            `json:"created"`
}

// SubmitRequest enqueues code for execution. Fragments are concatenated as is.
type SubmitRequest struct {
	Name      SessionName `json:"name"`
	Fragments []string    `json:"code"`
}

// SubmitResponse reports the slot assigned to the submission.
type SubmitResponse struct {
	Slot Slot `json:"slot"`
}

// ReadAllRequest asks for a full snapshot of a session buffer.
type ReadAllRequest struct {
	Name SessionName `json:"name"`
}

// ReadAllResponse holds parallel sequences; all three always have equal length.
type ReadAllResponse struct {
	Inputs  []string        `json:"inputs"`
	Outputs []string        `json:"outputs"`
	Elapsed []time.Duration `json:"elapsed"`
}

// OutputCountRequest asks for the number of records in a session.
type OutputCountRequest struct {
	Name SessionName `json:"name"`
}

// OutputCountResponse reports the record count.
type OutputCountResponse struct {
	Count int `json:"count"`
}

// InterruptRequest asks the kernel to abort the in-flight execution.
type InterruptRequest struct {
	Name SessionName `json:"name"`
}

// InterruptResponse reports whether an execution was in flight.
type InterruptResponse struct {
	Interrupted bool `json:"interrupted"`
}

// RestartRequest clears the session history and restarts its kernel.
type RestartRequest struct {
	Name SessionName `json:"name"`
}

// RestartResponse reports the session after restart.
type RestartResponse struct {
	Session SessionSnapshot `json:"session"`
}

// ShutdownRequest tears a session down and removes it from the registry.
type ShutdownRequest struct {
	Name SessionName `json:"name"`
}

// ShutdownResponse reports the final session snapshot.
type ShutdownResponse struct {
	Session SessionSnapshot `json:"session"`
}

// StatusRequest asks for a session status.
type StatusRequest struct {
	Name SessionName `json:"name"`
}

// StatusResponse reports the session status.
type StatusResponse struct {
	Status  SessionStatus   `json:"status"`
	Session SessionSnapshot `json:"session"`
}

// ListSessionsResponse reports all registered sessions ordered by name.
type ListSessionsResponse struct {
	Sessions []SessionSnapshot `json:"sessions"`
}
