package schema

import "time"

// SessionName identifies a kernel session in the registry.
type SessionName string

// KernelVariant names the kernel spec a session is launched with (e.g. python3).
type KernelVariant string

// Slot is the append-only index of a record within a session buffer.
type Slot int

// SessionStatus describes the lifecycle state of a session.
type SessionStatus string

const (
	// SessionInitialized indicates the session exists but has not launched a kernel.
	SessionInitialized SessionStatus = "initialized"
	// SessionStarting indicates the kernel is launching or restarting.
	SessionStarting SessionStatus = "starting"
	// SessionIdle indicates the kernel is waiting for work.
	SessionIdle SessionStatus = "idle"
	// SessionBusy indicates the kernel is executing a submission.
	SessionBusy SessionStatus = "busy"
	// SessionShuttingDown indicates teardown is in progress.
	SessionShuttingDown SessionStatus = "shutting_down"
	// SessionTerminated indicates the session is gone.
	SessionTerminated SessionStatus = "terminated"
)

// RecordState describes where a record is in its lifecycle.
type RecordState string

const (
	// RecordQueued indicates the record waits in the execution queue.
	RecordQueued RecordState = "queued"
	// RecordRunning indicates the record is executing.
	RecordRunning RecordState = "running"
	// RecordDone indicates the record finished and its output is frozen.
	RecordDone RecordState = "done"
)

// RecordSnapshot is a read-only view of one submission.
type RecordSnapshot struct {
	Slot      Slot          `json:"slot"`
	Input     string        `json:"input"`
	Output    string        `json:"output"`
	State     RecordState   `json:"state"`
	StartTime time.Time     `json:"start_time"`
	Elapsed   time.Duration `json:"elapsed"`
}

// SessionSnapshot is a read-only view of a session for transports.
type SessionSnapshot struct {
	Name        SessionName   `json:"name"`
	Variant     KernelVariant `json:"variant"`
	WorkingDir  string        `json:"working_dir,omitempty"`
	Status      SessionStatus `json:"status"`
	KernelState string        `json:"kernel_state,omitempty"`
	Records     int           `json:"records"`
	Pending     int           `json:"pending"`
}
