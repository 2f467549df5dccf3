package schema

// EventKind tags an event pushed by a kernel outside the request/reply path.
type EventKind int

const (
	// EventUnknown is any message kind kernelq does not interpret.
	EventUnknown EventKind = iota
	// EventInputEcho echoes the code the kernel is about to execute (execute_input).
	EventInputEcho
	// EventStatus reports the kernel execution state (busy, idle, starting).
	EventStatus
	// EventExecuteReply is the shell reply to an execute request.
	EventExecuteReply
	// EventExecuteResult carries the value of the last expression.
	EventExecuteResult
	// EventError carries an exception raised by the submitted code.
	EventError
	// EventStream carries stdout or stderr text.
	EventStream
	// EventDisplayData carries rich output such as images.
	EventDisplayData
	// EventUpdateDisplayData updates a previously displayed item.
	EventUpdateDisplayData
	// EventClearOutput asks the client to clear output.
	EventClearOutput
	// EventInspectReply is the reply to an introspection request.
	EventInspectReply
)

var eventKindNames = [...]string{
	EventUnknown:           "unknown",
	EventInputEcho:         "execute_input",
	EventStatus:            "status",
	EventExecuteReply:      "execute_reply",
	EventExecuteResult:     "execute_result",
	EventError:             "error",
	EventStream:            "stream",
	EventDisplayData:       "display_data",
	EventUpdateDisplayData: "update_display_data",
	EventClearOutput:       "clear_output",
	EventInspectReply:      "inspect_reply",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// EventKindFromMsgType maps a Jupyter msg_type to its EventKind.
func EventKindFromMsgType(msgType string) EventKind {
	for i, name := range eventKindNames {
		if name == msgType && i != int(EventUnknown) {
			return EventKind(i)
		}
	}
	return EventUnknown
}

// StreamName identifies the output stream of a stream event.
type StreamName string

const (
	// StreamStdout is standard output.
	StreamStdout StreamName = "stdout"
	// StreamStderr is standard error.
	StreamStderr StreamName = "stderr"
)

// Kernel execution states reported by status events.
const (
	KernelStateBusy       = "busy"
	KernelStateIdle       = "idle"
	KernelStateStarting   = "starting"
	KernelStateRestarting = "restarting"
	KernelStateDead       = "dead"
)

// Mime types kernelq reads from rich output bundles.
const (
	MimeTextPlain = "text/plain"
	MimeImagePNG  = "image/png"
)

// KernelEvent is one decoded message from the kernel's broadcast channel.
// Only the fields relevant to Kind are populated.
type KernelEvent struct {
	Kind     EventKind `json:"kind"`
	MsgType  string    `json:"msg_type,omitempty"`
	ParentID string    `json:"parent_id,omitempty"`

	// EventStatus
	ExecutionState string `json:"execution_state,omitempty"`

	// EventInputEcho
	Code           string `json:"code,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty"`

	// EventStream
	Stream StreamName `json:"stream,omitempty"`
	Text   string     `json:"text,omitempty"`

	// EventExecuteResult, EventDisplayData, EventInspectReply
	Data map[string]string `json:"data,omitempty"`

	// EventError
	ErrorName  string   `json:"ename,omitempty"`
	ErrorValue string   `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`
}

// PlainText returns the text/plain representation of the event's data bundle.
func (e KernelEvent) PlainText() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	text, ok := e.Data[MimeTextPlain]
	return text, ok
}
