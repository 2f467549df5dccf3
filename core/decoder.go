package core

import (
	"encoding/base64"
	"fmt"
	"strings"

	"pkt.systems/kernelq/schema"
)

// effectKind is what a decoded event does to the in-flight record.
type effectKind int

const (
	effectNone effectKind = iota
	effectInputSeen
	effectKernelState
	effectAppend
	effectImage
	effectFinalize
)

// effect is the outcome of decoding one kernel event.
type effect struct {
	kind effectKind
	// text is the fragment for effectAppend, the kernel state for
	// effectKernelState and the text/plain caption for effectImage.
	text string
	png  []byte
}

// decodeEvent maps a kernel event to its effect on the record. inputSeen
// reports whether the listener already saw the input echo.
func decodeEvent(ev schema.KernelEvent, inputSeen bool) (effect, error) {
	switch ev.Kind {
	case schema.EventInputEcho:
		return effect{kind: effectInputSeen}, nil
	case schema.EventStatus:
		if ev.ExecutionState == schema.KernelStateIdle && inputSeen {
			return effect{kind: effectFinalize}, nil
		}
		return effect{kind: effectKernelState, text: ev.ExecutionState}, nil
	case schema.EventExecuteReply:
		return effect{}, nil
	case schema.EventExecuteResult:
		text, ok := ev.PlainText()
		if !ok {
			return effect{}, nil
		}
		return appendEffect(text), nil
	case schema.EventError:
		var b strings.Builder
		fmt.Fprintf(&b, "%s: %s\n", ev.ErrorName, ev.ErrorValue)
		for _, line := range ev.Traceback {
			b.WriteString(withNewline(stripANSI(line)))
		}
		return effect{kind: effectAppend, text: b.String()}, nil
	case schema.EventStream:
		if ev.Stream == schema.StreamStderr {
			return effect{kind: effectAppend, text: schema.StderrTag + joinLines(ev.Text) + "\n"}, nil
		}
		return appendEffect(ev.Text), nil
	case schema.EventDisplayData:
		return decodeDisplayData(ev)
	case schema.EventUpdateDisplayData, schema.EventClearOutput, schema.EventInspectReply, schema.EventUnknown:
		return effect{}, nil
	default:
		return effect{}, nil
	}
}

func decodeDisplayData(ev schema.KernelEvent) (effect, error) {
	caption, hasText := ev.PlainText()
	encoded, ok := ev.Data[schema.MimeImagePNG]
	if !ok || strings.TrimSpace(encoded) == "" {
		if hasText {
			return appendEffect(caption), nil
		}
		return effect{}, nil
	}
	png, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		return effect{}, fmt.Errorf("decode image/png: %w", err)
	}
	return effect{kind: effectImage, text: caption, png: png}, nil
}

// imageFragment renders the record text for an image written to path.
func imageFragment(path, caption string) string {
	out := schema.ImageTag + "\n" + path + "\n"
	if caption != "" {
		out += withNewline(caption)
	}
	return out
}

func appendEffect(text string) effect {
	if text == "" {
		return effect{}
	}
	return effect{kind: effectAppend, text: withNewline(text)}
}

func withNewline(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

// joinLines removes line breaks so a stderr burst occupies one line.
func joinLines(text string) string {
	return strings.NewReplacer("\r\n", "", "\n", "", "\r", "").Replace(text)
}
