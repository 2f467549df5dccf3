package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/kernelq/schema"
)

// fakeBackend plays a scripted event sequence for every execute request.
type fakeBackend struct {
	mu         sync.Mutex
	executed   []string
	finished   []string
	outOfOrder bool
	interrupts int
	restarts   int
	shutdowns  int
	nextID     int
	holds      map[string]chan struct{}
	script     func(id, code string) []schema.KernelEvent
	execErr    error
	inspect    InspectReply
	inspectErr error
	inspected  []string

	events    chan schema.KernelEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		holds:  make(map[string]chan struct{}),
		events: make(chan schema.KernelEvent, 256),
		closed: make(chan struct{}),
	}
}

// hold makes the execution of code pause before its idle status until the
// returned function is called.
func (b *fakeBackend) hold(code string) func() {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holds[code] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (b *fakeBackend) Execute(_ context.Context, code string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.execErr != nil {
		return "", b.execErr
	}
	if len(b.finished) != len(b.executed) {
		b.outOfOrder = true
	}
	b.nextID++
	id := fmt.Sprintf("req-%d", b.nextID)
	b.executed = append(b.executed, code)
	script := b.script
	if script == nil {
		script = echoScript
	}
	events := script(id, code)
	hold := b.holds[code]
	go b.play(id, code, events, hold)
	return id, nil
}

func (b *fakeBackend) play(id, code string, events []schema.KernelEvent, hold chan struct{}) {
	for i, ev := range events {
		if i == len(events)-1 && hold != nil {
			select {
			case <-hold:
			case <-b.closed:
				return
			}
		}
		if ev.ParentID == "" {
			ev.ParentID = id
		}
		if i == len(events)-1 {
			b.mu.Lock()
			b.finished = append(b.finished, code)
			b.mu.Unlock()
		}
		select {
		case b.events <- ev:
		case <-b.closed:
			return
		}
	}
}

func (b *fakeBackend) Inspect(_ context.Context, code string, _ int) (InspectReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inspected = append(b.inspected, code)
	return b.inspect, b.inspectErr
}

func (b *fakeBackend) Interrupt(context.Context) error {
	b.mu.Lock()
	b.interrupts++
	holds := b.holds
	b.holds = make(map[string]chan struct{})
	b.mu.Unlock()
	for _, ch := range holds {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	return nil
}

func (b *fakeBackend) Restart(context.Context) error {
	b.mu.Lock()
	b.restarts++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Shutdown(context.Context) error {
	b.mu.Lock()
	b.shutdowns++
	b.mu.Unlock()
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// closeStream ends the event stream without shutting the kernel down.
func (b *fakeBackend) closeStream() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *fakeBackend) Events() EventStream {
	return fakeStream{b: b}
}

func (b *fakeBackend) Executed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.executed...)
}

type fakeStream struct {
	b *fakeBackend
}

func (s fakeStream) Next(ctx context.Context) (schema.KernelEvent, error) {
	select {
	case ev := <-s.b.events:
		return ev, nil
	case <-s.b.closed:
		return schema.KernelEvent{}, io.EOF
	case <-ctx.Done():
		return schema.KernelEvent{}, ctx.Err()
	}
}

// echoScript returns the code as an execute result.
func echoScript(_ string, code string) []schema.KernelEvent {
	return wrapExecution(code, schema.KernelEvent{
		Kind: schema.EventExecuteResult,
		Data: map[string]string{schema.MimeTextPlain: code},
	})
}

// wrapExecution surrounds body with the busy, input echo and idle events of
// one execution.
func wrapExecution(code string, body ...schema.KernelEvent) []schema.KernelEvent {
	events := []schema.KernelEvent{
		{Kind: schema.EventStatus, ExecutionState: schema.KernelStateBusy},
		{Kind: schema.EventInputEcho, Code: code},
	}
	events = append(events, body...)
	events = append(events,
		schema.KernelEvent{Kind: schema.EventExecuteReply},
		schema.KernelEvent{Kind: schema.EventStatus, ExecutionState: schema.KernelStateIdle},
	)
	return events
}

type fakeProvider struct {
	mu       sync.Mutex
	backend  *fakeBackend
	err      error
	launches int
	gate     chan struct{}
}

func (p *fakeProvider) Launch(ctx context.Context, _ LaunchRequest) (Backend, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launches++
	if p.err != nil {
		return nil, p.err
	}
	return p.backend, nil
}

func (p *fakeProvider) Launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

type fakeImages struct {
	mu      sync.Mutex
	saved   [][]byte
	shown   []string
	showErr error
}

func (f *fakeImages) Save(_ context.Context, _ schema.SessionName, png []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, png)
	return fmt.Sprintf("/tmp/kernelq-%d.png", len(f.saved)), nil
}

func (f *fakeImages) Show(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, path)
	return f.showErr
}

type recordingSink struct {
	mu       sync.Mutex
	records  []schema.RecordEvent
	sessions []schema.SessionEvent
}

func (s *recordingSink) OnRecord(event schema.RecordEvent) {
	s.mu.Lock()
	s.records = append(s.records, event)
	s.mu.Unlock()
}

func (s *recordingSink) OnSession(event schema.SessionEvent) {
	s.mu.Lock()
	s.sessions = append(s.sessions, event)
	s.mu.Unlock()
}

func (s *recordingSink) SessionTypes() []schema.SessionEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.SessionEventType, 0, len(s.sessions))
	for _, ev := range s.sessions {
		out = append(out, ev.Type)
	}
	return out
}

type memoryTranscripts struct {
	mu    sync.Mutex
	saved map[schema.SessionName][]schema.RecordSnapshot
}

func (m *memoryTranscripts) SaveTranscript(session schema.SessionSnapshot, records []schema.RecordSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[schema.SessionName][]schema.RecordSnapshot)
	}
	m.saved[session.Name] = records
	return nil
}

func newTestService(t *testing.T, backend *fakeBackend, opts ...func(*ServiceDeps, *schema.ServiceConfig)) Service {
	t.Helper()
	cfg := schema.ServiceConfig{TickInterval: 10 * time.Millisecond}
	deps := ServiceDeps{
		Backends: &fakeProvider{backend: backend},
		Images:   &fakeImages{},
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	svc, err := NewService(cfg, deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.ShutdownAll(context.Background()) })
	return svc
}

func startSession(t *testing.T, svc Service, name schema.SessionName) {
	t.Helper()
	if _, err := svc.Start(context.Background(), schema.StartSessionRequest{Name: name}); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
}

func submit(t *testing.T, svc Service, name schema.SessionName, code ...string) schema.Slot {
	t.Helper()
	resp, err := svc.Submit(context.Background(), schema.SubmitRequest{Name: name, Fragments: code})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp.Slot
}

func waitForRecord(t *testing.T, svc Service, name schema.SessionName, slot schema.Slot, state schema.RecordState) schema.RecordSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, err := svc.Records(context.Background(), name)
		if err != nil {
			t.Fatalf("records: %v", err)
		}
		if int(slot) < len(records) && records[slot].State == state {
			return records[slot]
		}
		time.Sleep(5 * time.Millisecond)
	}
	records, _ := svc.Records(context.Background(), name)
	t.Fatalf("timed out waiting for slot %d to be %s: %+v", slot, state, records)
	return schema.RecordSnapshot{}
}
