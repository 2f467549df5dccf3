package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithKernelAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithKernel(newCaptureLogger(capture), "k-1", "python3")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["kernel_id"] != "k-1" {
		t.Fatalf("expected kernel_id field, got %+v", entry)
	}
	if entry["kernel"] != "python3" {
		t.Fatalf("expected kernel field, got %+v", entry)
	}
}

func TestWithKernelSkipsEmpty(t *testing.T) {
	capture := &logCapture{}
	log := WithKernel(newCaptureLogger(capture), "", "")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["kernel_id"]; ok {
		t.Fatalf("did not expect kernel_id, got %+v", entry)
	}
}

func TestWithSessionAndSlot(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithSlot(WithSession(ctx, "py"), 3)
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "py" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if entry["slot"] != float64(3) {
		t.Fatalf("expected slot field, got %+v", entry)
	}
}

func TestWithSessionSkipsMarkedContext(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("session", "py")
	ctx := ContextWithSessionLogger(context.Background(), base, "py")
	WithSession(ctx, "py").Info("hello")

	line := capture.buf.String()
	if bytes.Count([]byte(line), []byte(`"session"`)) != 1 {
		t.Fatalf("expected a single session field, got %s", line)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
