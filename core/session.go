package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"pkt.systems/kernelq/internal/logx"
	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

const (
	shutdownText   = "Error: session shut down\n"
	noInspectText  = "No information available.\n"
	inspectMarker  = "?"
	launchFailText = "Error: kernel failed to start\n"
)

// sessionParams holds the creation parameters of a session.
type sessionParams struct {
	name       schema.SessionName
	workingDir string
	variant    schema.KernelVariant
	labels     bufferLabels
	tick       time.Duration
	now        func() time.Time
}

// inflightExec is the execution the worker is currently waiting on.
type inflightExec struct {
	ref    recordRef
	cancel context.CancelFunc
}

// session owns one kernel backend, its buffer, its queue and its worker.
type session struct {
	name       schema.SessionName
	workingDir string
	variant    schema.KernelVariant
	tick       time.Duration

	buffer *outputBuffer
	queue  *executionQueue
	images ImageStore
	sink   EventSink
	logger pslog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes restart and shutdown.
	opMu sync.Mutex

	mu          sync.Mutex
	backend     Backend
	status      schema.SessionStatus
	kernelState string
	inflight    *inflightExec
	workerDone  chan struct{}
}

func newSession(params sessionParams, images ImageStore, sink EventSink, logger pslog.Logger) *session {
	if params.now == nil {
		params.now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		name:       params.name,
		workingDir: params.workingDir,
		variant:    params.variant,
		tick:       params.tick,
		buffer:     newOutputBuffer(params.labels, params.now),
		queue:      newExecutionQueue(),
		images:     images,
		sink:       sink,
		logger:     logger.With("session", params.name),
		now:        params.now,
		ctx:        ctx,
		cancel:     cancel,
		status:     schema.SessionInitialized,
	}
}

// attach binds a launched backend and starts the worker. It reports false
// when the session was shut down while the kernel was launching.
func (s *session) attach(backend Backend) bool {
	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		return false
	}
	s.backend = backend
	s.status = schema.SessionIdle
	s.kernelState = schema.KernelStateIdle
	done := make(chan struct{})
	s.workerDone = done
	s.mu.Unlock()
	go s.runWorker(done)
	s.emitSession(schema.SessionEventStarted)
	return true
}

// abort tears down a session whose kernel never launched.
func (s *session) abort() {
	s.queue.Close()
	s.cancel()
	for _, rec := range s.buffer.FailUnfinished(launchFailText) {
		s.emitRecord(rec)
	}
	s.setStatus(schema.SessionTerminated)
}

func (s *session) setStatus(status schema.SessionStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.emitSession(schema.SessionEventStatus)
	}
}

func (s *session) closedLocked() bool {
	return s.status == schema.SessionShuttingDown || s.status == schema.SessionTerminated
}

// submit appends a record and queues its code. It never waits on the kernel.
func (s *session) submit(code string) (schema.Slot, error) {
	s.mu.Lock()
	closed := s.closedLocked()
	s.mu.Unlock()
	if closed {
		return 0, schema.ErrSessionClosed
	}
	ref, rec := s.buffer.Append(code)
	// queued must reach sinks before the worker can report the slot running
	s.emitRecord(rec)
	if !s.queue.Push(pendingItem{ref: ref, code: code}) {
		if failed, ok := s.buffer.SetOutput(ref, shutdownText); ok {
			s.emitRecord(failed)
		}
		return ref.slot, schema.ErrSessionClosed
	}
	logx.WithSlot(s.logger, ref.slot).Debug("session submit queued", "bytes", len(code))
	return ref.slot, nil
}

func (s *session) runWorker(done chan struct{}) {
	defer close(done)
	for {
		item, ok := s.queue.Pop(s.ctx)
		if !ok {
			return
		}
		s.dispatch(item)
	}
}

// dispatch runs one pending item to completion.
func (s *session) dispatch(item pendingItem) {
	if strings.TrimSpace(item.code) == "" {
		s.complete(item.ref, "")
		return
	}
	s.mu.Lock()
	rec, ok := s.buffer.MarkRunning(item.ref)
	if !ok {
		// cleared by a restart after it was dequeued
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight = &inflightExec{ref: item.ref, cancel: cancel}
	backend := s.backend
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.inflight != nil && s.inflight.ref == item.ref {
			s.inflight = nil
		}
		s.mu.Unlock()
		cancel()
	}()
	s.emitRecord(rec)

	log := logx.WithSlot(s.logger, item.ref.slot)
	if query, ok := inspectQuery(item.code); ok {
		s.inspect(ctx, log, backend, item.ref, query)
		return
	}
	s.execute(ctx, log, backend, item.ref, item.code)
}

func (s *session) inspect(ctx context.Context, log pslog.Logger, backend Backend, ref recordRef, query string) {
	reply, err := backend.Inspect(ctx, query, utf8.RuneCountInString(query))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("session inspect failed", "err", err)
		s.complete(ref, backendErrorText(err))
		return
	}
	text := noInspectText
	if reply.Found {
		if plain := strings.TrimSpace(reply.Data[schema.MimeTextPlain]); plain != "" {
			text = withNewline(reply.Data[schema.MimeTextPlain])
		}
	}
	s.complete(ref, text)
}

func (s *session) execute(ctx context.Context, log pslog.Logger, backend Backend, ref recordRef, code string) {
	timer := startElapsedTimer(s.tick, func() {
		if rec, ok := s.buffer.Touch(ref); ok {
			s.emitRecord(rec)
		}
	})
	defer timer.Stop()

	requestID, err := backend.Execute(ctx, code)
	if err != nil {
		timer.Stop()
		if ctx.Err() != nil {
			return
		}
		log.Warn("session execute failed", "err", err)
		s.complete(ref, backendErrorText(err))
		return
	}
	log.Debug("session execute sent", "request_id", requestID)
	s.listen(ctx, log, backend.Events(), ref, requestID, timer)
}

// listen folds kernel events into the record until the kernel reports idle
// after echoing the input.
func (s *session) listen(ctx context.Context, log pslog.Logger, events EventStream, ref recordRef, requestID string, timer *elapsedTimer) {
	inputSeen := false
	for {
		ev, err := events.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Warn("session listener stream closed")
				return
			}
			log.Warn("session listener read failed", "err", err)
			continue
		}
		if ev.ParentID != "" && requestID != "" && ev.ParentID != requestID {
			continue
		}
		eff, err := decodeEvent(ev, inputSeen)
		if err != nil {
			log.Warn("session event decode failed", "kind", ev.Kind.String(), "err", err)
			continue
		}
		switch eff.kind {
		case effectInputSeen:
			inputSeen = true
		case effectKernelState:
			s.setKernelState(eff.text)
		case effectAppend:
			s.update(ref, eff.text, false)
		case effectImage:
			s.showImage(ctx, log, ref, eff)
		case effectFinalize:
			timer.Stop()
			s.update(ref, "", true)
			s.setKernelState(schema.KernelStateIdle)
			log.Debug("session execute finished")
			return
		}
	}
}

func (s *session) showImage(ctx context.Context, log pslog.Logger, ref recordRef, eff effect) {
	if s.images == nil {
		log.Warn("session image dropped", "err", "no image store")
		if eff.text != "" {
			s.update(ref, withNewline(eff.text), false)
		}
		return
	}
	path, err := s.images.Save(ctx, s.name, eff.png)
	if err != nil {
		log.Warn("session image save failed", "err", err)
		s.update(ref, fmt.Sprintf("%s\nError: %v\n", schema.ImageTag, err), false)
		return
	}
	s.update(ref, imageFragment(path, eff.text), false)
	if err := s.images.Show(ctx, path); err != nil {
		log.Warn("session image show skipped", "path", path, "err", err)
	}
}

func (s *session) update(ref recordRef, fragment string, final bool) {
	if rec, ok := s.buffer.UpdateOutput(ref, fragment, final); ok {
		s.emitRecord(rec)
	}
}

func (s *session) complete(ref recordRef, text string) {
	if rec, ok := s.buffer.SetOutput(ref, text); ok {
		s.emitRecord(rec)
	}
}

// setKernelState records a kernel status report and maps it onto the
// session status.
func (s *session) setKernelState(state string) {
	s.mu.Lock()
	s.kernelState = state
	changed := false
	if !s.closedLocked() {
		next := s.status
		switch state {
		case schema.KernelStateBusy:
			next = schema.SessionBusy
		case schema.KernelStateIdle:
			next = schema.SessionIdle
		case schema.KernelStateStarting, schema.KernelStateRestarting:
			next = schema.SessionStarting
		}
		changed = next != s.status
		s.status = next
	}
	s.mu.Unlock()
	if changed {
		s.emitSession(schema.SessionEventStatus)
	}
}

// interrupt asks the kernel to abort the in-flight execution. It reports
// false without touching the kernel when nothing is in flight.
func (s *session) interrupt(ctx context.Context) (bool, error) {
	s.mu.Lock()
	inflight := s.inflight != nil
	backend := s.backend
	s.mu.Unlock()
	if !inflight || backend == nil {
		return false, nil
	}
	if err := backend.Interrupt(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// restart clears the history, drops pending items and restarts the kernel.
func (s *session) restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		return schema.ErrSessionClosed
	}
	if s.backend == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: kernel still starting", schema.ErrBackendUnavailable)
	}
	if s.inflight != nil {
		s.inflight.cancel()
	}
	dropped := s.queue.Drain()
	s.buffer.Clear()
	s.status = schema.SessionStarting
	s.kernelState = schema.KernelStateRestarting
	backend := s.backend
	s.mu.Unlock()
	s.emitSession(schema.SessionEventRestarted)
	s.logger.Info("session restart", "dropped", len(dropped))

	if err := backend.Restart(ctx); err != nil {
		s.logger.Warn("session restart failed", "err", err)
		return err
	}
	s.setKernelState(schema.KernelStateIdle)
	return nil
}

// shutdown stops the worker, fails unfinished records and closes the kernel.
func (s *session) shutdown(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		return nil
	}
	s.status = schema.SessionShuttingDown
	done := s.workerDone
	backend := s.backend
	s.mu.Unlock()
	s.emitSession(schema.SessionEventStatus)

	s.queue.Close()
	s.cancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("session shutdown worker wait aborted", "err", ctx.Err())
		}
	}
	for _, rec := range s.buffer.FailUnfinished(shutdownText) {
		s.emitRecord(rec)
	}

	var err error
	if backend != nil {
		if err = backend.Shutdown(ctx); err != nil {
			s.logger.Warn("session kernel shutdown failed", "err", err)
		}
	}
	s.mu.Lock()
	s.status = schema.SessionTerminated
	s.mu.Unlock()
	s.emitSession(schema.SessionEventStopped)
	return err
}

func (s *session) snapshot() schema.SessionSnapshot {
	s.mu.Lock()
	status := s.status
	kernelState := s.kernelState
	s.mu.Unlock()
	return schema.SessionSnapshot{
		Name:        s.name,
		Variant:     s.variant,
		WorkingDir:  s.workingDir,
		Status:      status,
		KernelState: kernelState,
		Records:     s.buffer.Len(),
		Pending:     s.queue.Len(),
	}
}

func (s *session) emitRecord(rec schema.RecordSnapshot) {
	if s.sink == nil {
		return
	}
	s.sink.OnRecord(schema.RecordEvent{Session: s.name, Record: rec})
}

func (s *session) emitSession(kind schema.SessionEventType) {
	if s.sink == nil {
		return
	}
	s.sink.OnSession(schema.SessionEvent{Type: kind, Session: s.snapshot(), At: s.now()})
}

// inspectQuery reports whether code is an introspection request and returns
// the code with the marker removed.
func inspectQuery(code string) (string, bool) {
	trimmed := strings.TrimSpace(code)
	switch {
	case strings.HasPrefix(trimmed, inspectMarker):
		return strings.TrimSpace(strings.TrimPrefix(trimmed, inspectMarker)), true
	case strings.HasSuffix(trimmed, inspectMarker):
		return strings.TrimSpace(strings.TrimSuffix(trimmed, inspectMarker)), true
	default:
		return "", false
	}
}
