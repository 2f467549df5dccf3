package jupyter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/kernelq/schema"
)

// ProtocolVersion is the Jupyter messaging protocol version kernelq speaks.
const ProtocolVersion = "5.3"

// Channel names carried in the channel field of websocket frames.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
)

// Message types kernelq sends or routes explicitly.
const (
	MsgExecuteRequest = "execute_request"
	MsgExecuteReply   = "execute_reply"
	MsgInspectRequest = "inspect_request"
	MsgInspectReply   = "inspect_reply"
)

// Header is the header (and parent header) of a Jupyter message.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// MarshalJSON renders an unset header as an empty object.
func (h Header) MarshalJSON() ([]byte, error) {
	if h == (Header{}) {
		return []byte("{}"), nil
	}
	type plain Header
	return json.Marshal(plain(h))
}

// Message is one JSON frame on the kernel channels websocket.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
	Buffers      []any           `json:"buffers"`
}

// NewMessage builds a message with a fresh id.
func NewMessage(channel, msgType, session string, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Username: "kernelq",
			Session:  session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
		Buffers:  []any{},
	}, nil
}

// Reply builds a message answering parent on channel.
func Reply(parent Message, channel, msgType string, content any) (Message, error) {
	msg, err := NewMessage(channel, msgType, parent.Header.Session, content)
	if err != nil {
		return Message{}, err
	}
	msg.ParentHeader = parent.Header
	return msg, nil
}

// ExecuteRequest is the content of an execute_request.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// InspectRequest is the content of an inspect_request.
type InspectRequest struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

// InspectReply is the content of an inspect_reply.
type InspectReply struct {
	Status string     `json:"status"`
	Found  bool       `json:"found"`
	Data   MimeBundle `json:"data"`
}

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// ExecuteInputContent is the content of an execute_input message.
type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// StreamContent is the content of a stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DataContent is the content of execute_result and display_data messages.
type DataContent struct {
	ExecutionCount int        `json:"execution_count,omitempty"`
	Data           MimeBundle `json:"data"`
}

// ErrorContent is the content of an error message and of failed replies.
type ErrorContent struct {
	Status    string   `json:"status,omitempty"`
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// MimeBundle maps mime types to their string representation. Values that
// arrive as line lists are joined; other JSON values are kept verbatim.
type MimeBundle map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (b *MimeBundle) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(MimeBundle, len(raw))
	for mime, value := range raw {
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			out[mime] = text
			continue
		}
		var lines []string
		if err := json.Unmarshal(value, &lines); err == nil {
			out[mime] = strings.Join(lines, "")
			continue
		}
		out[mime] = string(value)
	}
	*b = out
	return nil
}

// DecodeEvent converts an iopub message to a kernel event.
func DecodeEvent(msg Message) (schema.KernelEvent, error) {
	ev := schema.KernelEvent{
		Kind:     schema.EventKindFromMsgType(msg.Header.MsgType),
		MsgType:  msg.Header.MsgType,
		ParentID: msg.ParentHeader.MsgID,
	}
	var err error
	switch ev.Kind {
	case schema.EventStatus:
		var c StatusContent
		err = json.Unmarshal(msg.Content, &c)
		ev.ExecutionState = c.ExecutionState
	case schema.EventInputEcho:
		var c ExecuteInputContent
		err = json.Unmarshal(msg.Content, &c)
		ev.Code = c.Code
		ev.ExecutionCount = c.ExecutionCount
	case schema.EventStream:
		var c StreamContent
		err = json.Unmarshal(msg.Content, &c)
		ev.Stream = schema.StreamName(c.Name)
		ev.Text = c.Text
	case schema.EventExecuteResult, schema.EventDisplayData, schema.EventUpdateDisplayData:
		var c DataContent
		err = json.Unmarshal(msg.Content, &c)
		ev.Data = c.Data
		ev.ExecutionCount = c.ExecutionCount
	case schema.EventError:
		var c ErrorContent
		err = json.Unmarshal(msg.Content, &c)
		ev.ErrorName = c.EName
		ev.ErrorValue = c.EValue
		ev.Traceback = c.Traceback
	case schema.EventInspectReply:
		var c InspectReply
		err = json.Unmarshal(msg.Content, &c)
		ev.Data = c.Data
	}
	if err != nil {
		return ev, fmt.Errorf("decode %s content: %w", msg.Header.MsgType, err)
	}
	return ev, nil
}
