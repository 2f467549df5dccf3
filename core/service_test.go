package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/kernelq/schema"
)

func TestSubmitExecutesAndCompletes(t *testing.T) {
	backend := newFakeBackend()
	svc := newTestService(t, backend)
	startSession(t, svc, "py")

	slot := submit(t, svc, "py", "1+", "1")
	if slot != 0 {
		t.Fatalf("expected slot 0, got %d", slot)
	}
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Input != "1+1" {
		t.Fatalf("expected fragments joined, got %q", rec.Input)
	}
	if rec.Output != "1+1\n" {
		t.Fatalf("unexpected output: %q", rec.Output)
	}
	if got := backend.Executed(); len(got) != 1 || got[0] != "1+1" {
		t.Fatalf("unexpected executed: %v", got)
	}
}

func TestReadAllSequencesStayParallel(t *testing.T) {
	backend := newFakeBackend()
	release := backend.hold("block")
	svc := newTestService(t, backend)
	startSession(t, svc, "py")

	inputs := []string{"a", "block", "b", "c", "d"}
	for i, code := range inputs {
		if slot := submit(t, svc, "py", code); int(slot) != i {
			t.Fatalf("expected slot %d, got %d", i, slot)
		}
		resp, err := svc.ReadAll(context.Background(), schema.ReadAllRequest{Name: "py"})
		if err != nil {
			t.Fatalf("read all: %v", err)
		}
		if len(resp.Inputs) != len(resp.Outputs) || len(resp.Inputs) != len(resp.Elapsed) {
			t.Fatalf("sequences differ in length: %d %d %d", len(resp.Inputs), len(resp.Outputs), len(resp.Elapsed))
		}
		for j := range resp.Inputs {
			if resp.Inputs[j] != inputs[j] {
				t.Fatalf("input %d changed: %q", j, resp.Inputs[j])
			}
		}
	}
	resp, _ := svc.ReadAll(context.Background(), schema.ReadAllRequest{Name: "py"})
	if resp.Outputs[4] != schema.DefaultQueuedLabel {
		t.Fatalf("expected queued label behind blocked slot, got %q", resp.Outputs[4])
	}
	release()
	waitForRecord(t, svc, "py", 4, schema.RecordDone)
	count, err := svc.OutputCount(context.Background(), schema.OutputCountRequest{Name: "py"})
	if err != nil {
		t.Fatalf("output count: %v", err)
	}
	if count.Count != len(inputs) {
		t.Fatalf("expected %d outputs, got %d", len(inputs), count.Count)
	}
}

func TestSubmissionsExecuteInOrder(t *testing.T) {
	backend := newFakeBackend()
	svc := newTestService(t, backend)
	startSession(t, svc, "py")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []string
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				mu.Lock()
				code := strings.Repeat("x", i+1) + string(rune('a'+j))
				resp, err := svc.Submit(context.Background(), schema.SubmitRequest{Name: "py", Fragments: []string{code}})
				if err == nil && int(resp.Slot) == len(order) {
					order = append(order, code)
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if len(order) != 20 {
		t.Fatalf("expected 20 ordered slots, got %d", len(order))
	}
	waitForRecord(t, svc, "py", 19, schema.RecordDone)

	executed := backend.Executed()
	if len(executed) != len(order) {
		t.Fatalf("expected %d executions, got %d", len(order), len(executed))
	}
	for i := range order {
		if executed[i] != order[i] {
			t.Fatalf("execution %d out of order: %q != %q", i, executed[i], order[i])
		}
	}
	backend.mu.Lock()
	outOfOrder := backend.outOfOrder
	backend.mu.Unlock()
	if outOfOrder {
		t.Fatalf("backend received code before the previous execution finished")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	provider := &fakeProvider{backend: backend}
	svc := newTestService(t, backend, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.Backends = provider
	})
	first, err := svc.Start(context.Background(), schema.StartSessionRequest{Name: "py"})
	if err != nil || !first.Created {
		t.Fatalf("first start: %+v %v", first, err)
	}
	submit(t, svc, "py", "a")
	waitForRecord(t, svc, "py", 0, schema.RecordDone)

	second, err := svc.Start(context.Background(), schema.StartSessionRequest{Name: "py", Variant: "ir"})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.Created {
		t.Fatalf("expected existing session to be reused")
	}
	if provider.Launches() != 1 {
		t.Fatalf("expected one launch, got %d", provider.Launches())
	}
	if second.Session.Variant != schema.DefaultVariant || second.Session.Records != 1 {
		t.Fatalf("existing session was reset: %+v", second.Session)
	}
}

func TestConcurrentStartLaunchesOnce(t *testing.T) {
	backend := newFakeBackend()
	provider := &fakeProvider{backend: backend, gate: make(chan struct{})}
	svc := newTestService(t, backend, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.Backends = provider
	})
	var wg sync.WaitGroup
	created := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Start(context.Background(), schema.StartSessionRequest{Name: "py"})
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			created <- resp.Created
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(provider.gate)
	wg.Wait()
	close(created)
	count := 0
	for c := range created {
		if c {
			count++
		}
	}
	if count != 1 || provider.Launches() != 1 {
		t.Fatalf("expected one created session and launch, got %d created %d launches", count, provider.Launches())
	}
}

func TestStartFailureRemovesPlaceholder(t *testing.T) {
	provider := &fakeProvider{err: NewBackendError(BackendErrorUnavailable, "launch", errors.New("connection refused"))}
	svc := newTestService(t, nil, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.Backends = provider
	})
	if _, err := svc.Start(context.Background(), schema.StartSessionRequest{Name: "py"}); err == nil {
		t.Fatalf("expected start to fail")
	}
	if _, err := svc.Status(context.Background(), schema.StatusRequest{Name: "py"}); !errors.Is(err, schema.ErrSessionNotRunning) {
		t.Fatalf("expected placeholder removed, got %v", err)
	}
}

func TestStderrLastLineWins(t *testing.T) {
	backend := newFakeBackend()
	backend.script = func(_ string, code string) []schema.KernelEvent {
		return wrapExecution(code,
			schema.KernelEvent{Kind: schema.EventStream, Stream: schema.StreamStderr, Text: "progress 10%\n"},
			schema.KernelEvent{Kind: schema.EventStream, Stream: schema.StreamStderr, Text: "progress 90%\n"},
		)
	}
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "train()")
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Output != "stderr:progress 90%\n" {
		t.Fatalf("expected single latest stderr line, got %q", rec.Output)
	}
}

func TestErrorEventRendersTraceback(t *testing.T) {
	backend := newFakeBackend()
	backend.script = func(_ string, code string) []schema.KernelEvent {
		return wrapExecution(code, schema.KernelEvent{
			Kind:       schema.EventError,
			ErrorName:  "ValueError",
			ErrorValue: "bad input",
			Traceback:  []string{"\x1b[0;31mline1\x1b[0m", "line2"},
		})
	}
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "raise")
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Output != "ValueError: bad input\nline1\nline2\n" {
		t.Fatalf("unexpected output: %q", rec.Output)
	}
	if strings.ContainsRune(rec.Output, '\x1b') {
		t.Fatalf("output contains escape bytes: %q", rec.Output)
	}
}

func TestElapsedAnnotation(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend()
	release := backend.hold("slow")
	svc := newTestService(t, backend, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.Now = clock.Now
	})
	startSession(t, svc, "py")

	fast := submit(t, svc, "py", "fast")
	rec := waitForRecord(t, svc, "py", fast, schema.RecordDone)
	if strings.Contains(rec.Output, "Elapsed") {
		t.Fatalf("fast submission has elapsed annotation: %q", rec.Output)
	}

	slow := submit(t, svc, "py", "slow")
	waitForRecord(t, svc, "py", slow, schema.RecordRunning)
	clock.Advance(2 * time.Second)
	release()
	rec = waitForRecord(t, svc, "py", slow, schema.RecordDone)
	if !strings.Contains(rec.Output, "Elapsed: 2s") {
		t.Fatalf("expected elapsed annotation, got %q", rec.Output)
	}
	if rec.Elapsed != 2*time.Second {
		t.Fatalf("expected frozen elapsed 2s, got %s", rec.Elapsed)
	}
	clock.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)
	records, _ := svc.Records(context.Background(), "py")
	if records[slow].Elapsed != 2*time.Second {
		t.Fatalf("elapsed changed after completion: %s", records[slow].Elapsed)
	}
}

func TestRunningRecordShowsLiveElapsed(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend()
	release := backend.hold("slow")
	defer release()
	svc := newTestService(t, backend, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.Now = clock.Now
	})
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "slow")
	waitForRecord(t, svc, "py", slot, schema.RecordRunning)
	clock.Advance(3 * time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		records, _ := svc.Records(context.Background(), "py")
		if records[slot].Output == "slow\nComputing... (3s)" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	records, _ := svc.Records(context.Background(), "py")
	t.Fatalf("expected live elapsed annotation, got %q", records[slot].Output)
}

func TestInterruptWithoutInflightIsNoop(t *testing.T) {
	backend := newFakeBackend()
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	before, _ := svc.Status(context.Background(), schema.StatusRequest{Name: "py"})

	resp, err := svc.Interrupt(context.Background(), schema.InterruptRequest{Name: "py"})
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if resp.Interrupted {
		t.Fatalf("expected no interruption")
	}
	if backend.interrupts != 0 {
		t.Fatalf("expected backend untouched, got %d interrupts", backend.interrupts)
	}
	after, _ := svc.Status(context.Background(), schema.StatusRequest{Name: "py"})
	if before.Session != after.Session {
		t.Fatalf("state changed: %+v -> %+v", before.Session, after.Session)
	}
}

func TestInterruptInflightStillFinalizes(t *testing.T) {
	backend := newFakeBackend()
	backend.hold("loop")
	backend.script = func(_ string, code string) []schema.KernelEvent {
		if code != "loop" {
			return echoScript("", code)
		}
		return wrapExecution(code, schema.KernelEvent{Kind: schema.EventError, ErrorName: "KeyboardInterrupt", ErrorValue: ""})
	}
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "loop")
	next := submit(t, svc, "py", "after")
	waitForRecord(t, svc, "py", slot, schema.RecordRunning)

	resp, err := svc.Interrupt(context.Background(), schema.InterruptRequest{Name: "py"})
	if err != nil || !resp.Interrupted {
		t.Fatalf("interrupt: %+v %v", resp, err)
	}
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if !strings.HasPrefix(rec.Output, "KeyboardInterrupt: ") {
		t.Fatalf("unexpected interrupted output: %q", rec.Output)
	}
	waitForRecord(t, svc, "py", next, schema.RecordDone)
}

func TestUnknownSessionIsNotRunning(t *testing.T) {
	backend := newFakeBackend()
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	ctx := context.Background()

	if _, err := svc.Submit(ctx, schema.SubmitRequest{Name: "nope", Fragments: []string{"1"}}); !errors.Is(err, schema.ErrSessionNotRunning) {
		t.Fatalf("submit: expected not running, got %v", err)
	}
	if _, err := svc.Interrupt(ctx, schema.InterruptRequest{Name: "nope"}); !errors.Is(err, schema.ErrSessionNotRunning) {
		t.Fatalf("interrupt: expected not running, got %v", err)
	}
	if _, err := svc.Shutdown(ctx, schema.ShutdownRequest{Name: "nope"}); !errors.Is(err, schema.ErrSessionNotRunning) {
		t.Fatalf("shutdown: expected not running, got %v", err)
	}
	if _, err := svc.ReadAll(ctx, schema.ReadAllRequest{Name: "nope"}); !errors.Is(err, schema.ErrSessionNotRunning) {
		t.Fatalf("read all: expected not running, got %v", err)
	}
	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].Name != "py" {
		t.Fatalf("registry changed: %+v", list.Sessions)
	}
}

func TestEmptyCodeCompletesWithoutBackend(t *testing.T) {
	backend := newFakeBackend()
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "  \n\t")
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Output != "" {
		t.Fatalf("expected empty output, got %q", rec.Output)
	}
	if len(backend.Executed()) != 0 {
		t.Fatalf("expected no executions, got %v", backend.Executed())
	}
}

func TestInspectQuery(t *testing.T) {
	backend := newFakeBackend()
	backend.inspect = InspectReply{Found: true, Data: map[string]string{schema.MimeTextPlain: "\x1b[31mSignature:\x1b[0m len(obj)"}}
	svc := newTestService(t, backend)
	startSession(t, svc, "py")

	slot := submit(t, svc, "py", "len?")
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Output != "Signature: len(obj)\n" {
		t.Fatalf("unexpected inspect output: %q", rec.Output)
	}
	backend.mu.Lock()
	inspected := append([]string(nil), backend.inspected...)
	backend.mu.Unlock()
	if len(inspected) != 1 || inspected[0] != "len" {
		t.Fatalf("unexpected inspect requests: %v", inspected)
	}
	if len(backend.Executed()) != 0 {
		t.Fatalf("inspect must not execute code")
	}

	backend.mu.Lock()
	backend.inspect = InspectReply{}
	backend.mu.Unlock()
	slot = submit(t, svc, "py", "?missing")
	rec = waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Output != "No information available.\n" {
		t.Fatalf("unexpected output: %q", rec.Output)
	}
}

func TestExecuteFailureDoesNotStopWorker(t *testing.T) {
	backend := newFakeBackend()
	backend.execErr = NewBackendError(BackendErrorClosed, "execute", errors.New("websocket closed"))
	svc := newTestService(t, backend)
	startSession(t, svc, "py")

	first := submit(t, svc, "py", "a")
	rec := waitForRecord(t, svc, "py", first, schema.RecordDone)
	if !strings.HasPrefix(rec.Output, "Error: kernel channel closed") {
		t.Fatalf("unexpected output: %q", rec.Output)
	}
	backend.mu.Lock()
	backend.execErr = nil
	backend.mu.Unlock()
	second := submit(t, svc, "py", "b")
	rec = waitForRecord(t, svc, "py", second, schema.RecordDone)
	if rec.Output != "b\n" {
		t.Fatalf("unexpected output: %q", rec.Output)
	}
}

func TestDisplayDataWritesImage(t *testing.T) {
	backend := newFakeBackend()
	backend.script = func(_ string, code string) []schema.KernelEvent {
		return wrapExecution(code, schema.KernelEvent{
			Kind: schema.EventDisplayData,
			Data: map[string]string{
				schema.MimeImagePNG:  "iVBORw0KGgo=",
				schema.MimeTextPlain: "<Figure>",
			},
		})
	}
	images := &fakeImages{showErr: errors.New("no viewer")}
	svc := newTestService(t, backend, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.Images = images
	})
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "plot()")
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Output != "[Image]:\n/tmp/kernelq-1.png\n<Figure>\n" {
		t.Fatalf("unexpected output: %q", rec.Output)
	}
	images.mu.Lock()
	defer images.mu.Unlock()
	if len(images.saved) != 1 || string(images.saved[0][1:4]) != "PNG" {
		t.Fatalf("unexpected saved images: %v", images.saved)
	}
	if len(images.shown) != 1 {
		t.Fatalf("expected one show attempt, got %v", images.shown)
	}
}

func TestEventsFromOtherRequestsAreIgnored(t *testing.T) {
	backend := newFakeBackend()
	backend.script = func(_ string, code string) []schema.KernelEvent {
		events := wrapExecution(code, schema.KernelEvent{Kind: schema.EventStream, Stream: schema.StreamStdout, Text: "mine"})
		stale := []schema.KernelEvent{
			{Kind: schema.EventStream, Stream: schema.StreamStdout, Text: "stale", ParentID: "old"},
			{Kind: schema.EventStatus, ExecutionState: schema.KernelStateIdle, ParentID: "old"},
		}
		return append(stale, events...)
	}
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "x")
	rec := waitForRecord(t, svc, "py", slot, schema.RecordDone)
	if rec.Output != "mine\n" {
		t.Fatalf("unexpected output: %q", rec.Output)
	}
}

func TestRestartClearsBufferAndKeepsSession(t *testing.T) {
	backend := newFakeBackend()
	release := backend.hold("stuck")
	defer release()
	sink := &recordingSink{}
	svc := newTestService(t, backend, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.EventSink = sink
	})
	startSession(t, svc, "py")
	slot := submit(t, svc, "py", "stuck")
	submit(t, svc, "py", "pending")
	waitForRecord(t, svc, "py", slot, schema.RecordRunning)

	resp, err := svc.Restart(context.Background(), schema.RestartRequest{Name: "py"})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if resp.Session.Records != 0 || resp.Session.Pending != 0 {
		t.Fatalf("expected cleared session, got %+v", resp.Session)
	}
	if backend.restarts != 1 {
		t.Fatalf("expected one backend restart, got %d", backend.restarts)
	}

	next := submit(t, svc, "py", "fresh")
	if next != 0 {
		t.Fatalf("expected slot numbering to restart, got %d", next)
	}
	rec := waitForRecord(t, svc, "py", next, schema.RecordDone)
	if rec.Output != "fresh\n" {
		t.Fatalf("unexpected output after restart: %q", rec.Output)
	}
	for _, code := range backend.Executed() {
		if code == "pending" {
			t.Fatalf("pending item ran after restart")
		}
	}
	found := false
	for _, typ := range sink.SessionTypes() {
		if typ == schema.SessionEventRestarted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected restarted event, got %v", sink.SessionTypes())
	}
}

func TestShutdownFailsUnfinishedAndSavesTranscript(t *testing.T) {
	backend := newFakeBackend()
	backend.hold("stuck")
	transcripts := &memoryTranscripts{}
	svc := newTestService(t, backend, func(deps *ServiceDeps, cfg *schema.ServiceConfig) {
		deps.Transcripts = transcripts
		cfg.SaveTranscripts = true
	})
	startSession(t, svc, "py")
	done := submit(t, svc, "py", "ok")
	waitForRecord(t, svc, "py", done, schema.RecordDone)
	stuck := submit(t, svc, "py", "stuck")
	submit(t, svc, "py", "queued")
	waitForRecord(t, svc, "py", stuck, schema.RecordRunning)

	resp, err := svc.Shutdown(context.Background(), schema.ShutdownRequest{Name: "py"})
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if resp.Session.Status != schema.SessionTerminated {
		t.Fatalf("expected terminated, got %s", resp.Session.Status)
	}
	if backend.shutdowns != 1 {
		t.Fatalf("expected backend shutdown, got %d", backend.shutdowns)
	}
	if _, err := svc.Status(context.Background(), schema.StatusRequest{Name: "py"}); !errors.Is(err, schema.ErrSessionNotRunning) {
		t.Fatalf("expected session removed, got %v", err)
	}

	transcripts.mu.Lock()
	records := transcripts.saved["py"]
	transcripts.mu.Unlock()
	if len(records) != 3 {
		t.Fatalf("expected 3 saved records, got %d", len(records))
	}
	if records[0].Output != "ok\n" {
		t.Fatalf("unexpected first record: %q", records[0].Output)
	}
	for _, rec := range records[1:] {
		if rec.Output != "Error: session shut down\n" {
			t.Fatalf("expected shutdown error, got %q", rec.Output)
		}
	}
}

func TestSessionStatusFollowsKernel(t *testing.T) {
	backend := newFakeBackend()
	release := backend.hold("slow")
	svc := newTestService(t, backend)
	startSession(t, svc, "py")
	status, _ := svc.Status(context.Background(), schema.StatusRequest{Name: "py"})
	if status.Status != schema.SessionIdle {
		t.Fatalf("expected idle, got %s", status.Status)
	}
	slot := submit(t, svc, "py", "slow")
	waitForRecord(t, svc, "py", slot, schema.RecordRunning)

	deadline := time.Now().Add(time.Second)
	for {
		status, _ = svc.Status(context.Background(), schema.StatusRequest{Name: "py"})
		if status.Status == schema.SessionBusy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected busy, got %s", status.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	release()
	waitForRecord(t, svc, "py", slot, schema.RecordDone)
	status, _ = svc.Status(context.Background(), schema.StatusRequest{Name: "py"})
	if status.Status != schema.SessionIdle || status.Session.KernelState != schema.KernelStateIdle {
		t.Fatalf("expected idle after completion, got %+v", status)
	}
}

func TestClosedStreamLeavesSlotAndWorkerContinues(t *testing.T) {
	backend := newFakeBackend()
	backend.hold("a")
	transcripts := &memoryTranscripts{}
	svc := newTestService(t, backend, func(deps *ServiceDeps, cfg *schema.ServiceConfig) {
		deps.Transcripts = transcripts
		cfg.SaveTranscripts = true
	})
	startSession(t, svc, "py")
	first := submit(t, svc, "py", "a")
	second := submit(t, svc, "py", "b")
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := waitForRecord(t, svc, "py", first, schema.RecordRunning)
		if strings.HasPrefix(rec.Output, "a\n") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected result before the stream closes, got %q", rec.Output)
		}
		time.Sleep(5 * time.Millisecond)
	}

	backend.closeStream()
	deadline = time.Now().Add(2 * time.Second)
	for len(backend.Executed()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected worker to dispatch the next slot, executed %v", backend.Executed())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := backend.Executed(); got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected execution order %v", got)
	}
	records, err := svc.Records(context.Background(), "py")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	stranded := records[first]
	if stranded.State != schema.RecordRunning {
		t.Fatalf("expected stranded slot to stay running, got %s", stranded.State)
	}
	if !strings.HasPrefix(stranded.Output, "a\n") || !strings.Contains(stranded.Output, schema.DefaultRunningLabel) {
		t.Fatalf("expected last output kept, got %q", stranded.Output)
	}

	if _, err := svc.Shutdown(context.Background(), schema.ShutdownRequest{Name: "py"}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	transcripts.mu.Lock()
	saved := transcripts.saved["py"]
	transcripts.mu.Unlock()
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved records, got %d", len(saved))
	}
	for _, slot := range []schema.Slot{first, second} {
		if saved[slot].Output != "Error: session shut down\n" || saved[slot].State != schema.RecordDone {
			t.Fatalf("slot %d: expected shutdown error, got %s %q", slot, saved[slot].State, saved[slot].Output)
		}
	}
}

func TestQueuedRecordIsPublishedFirst(t *testing.T) {
	sink := &recordingSink{}
	backend := newFakeBackend()
	svc := newTestService(t, backend, func(deps *ServiceDeps, _ *schema.ServiceConfig) {
		deps.EventSink = sink
	})
	startSession(t, svc, "py")
	const n = 200
	for i := 0; i < n; i++ {
		submit(t, svc, "py", "")
	}
	waitForRecord(t, svc, "py", n-1, schema.RecordDone)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	first := make(map[schema.Slot]schema.RecordState)
	last := make(map[schema.Slot]schema.RecordState)
	for _, ev := range sink.records {
		if _, ok := first[ev.Record.Slot]; !ok {
			first[ev.Record.Slot] = ev.Record.State
		}
		last[ev.Record.Slot] = ev.Record.State
	}
	for slot := schema.Slot(0); slot < n; slot++ {
		if first[slot] != schema.RecordQueued {
			t.Fatalf("slot %d: expected queued first, got %q", slot, first[slot])
		}
		if last[slot] != schema.RecordDone {
			t.Fatalf("slot %d: expected done last, got %q", slot, last[slot])
		}
	}
}
