package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/kernelq/schema"
)

// recordRef addresses a record in a specific buffer epoch. Refs taken before
// a clear never match records appended after it.
type recordRef struct {
	epoch uint64
	slot  schema.Slot
}

// record is one submission. Content and decoration are kept apart so the
// running label and live elapsed annotation can be re-rendered exactly.
type record struct {
	input   string
	content string
	state   schema.RecordState
	created time.Time
	started time.Time
	elapsed time.Duration
}

// bufferLabels controls how transient record state is rendered.
type bufferLabels struct {
	running    string
	queued     string
	minElapsed time.Duration
}

// outputBuffer stores the ordered records of one session. Every method holds
// the lock for its full duration and never blocks on anything else.
type outputBuffer struct {
	mu      sync.Mutex
	records []record
	epoch   uint64
	labels  bufferLabels
	now     func() time.Time
}

func newOutputBuffer(labels bufferLabels, now func() time.Time) *outputBuffer {
	if now == nil {
		now = time.Now
	}
	return &outputBuffer{labels: labels, now: now}
}

// Append adds a queued record and returns its ref.
func (b *outputBuffer) Append(input string) (recordRef, schema.RecordSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record{
		input:   input,
		state:   schema.RecordQueued,
		created: b.now(),
	})
	slot := schema.Slot(len(b.records) - 1)
	return recordRef{epoch: b.epoch, slot: slot}, b.snapshotLocked(slot)
}

// MarkRunning moves a queued record to running and starts its clock.
func (b *outputBuffer) MarkRunning(ref recordRef) (schema.RecordSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.lookupLocked(ref)
	if rec == nil || rec.state != schema.RecordQueued {
		return schema.RecordSnapshot{}, false
	}
	rec.state = schema.RecordRunning
	rec.started = b.now()
	return b.snapshotLocked(ref.slot), true
}

// SetOutput replaces the content of a record and completes it.
func (b *outputBuffer) SetOutput(ref recordRef, text string) (schema.RecordSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.lookupLocked(ref)
	if rec == nil || rec.state == schema.RecordDone {
		return schema.RecordSnapshot{}, false
	}
	rec.content = stripANSI(text)
	b.finishLocked(rec)
	return b.snapshotLocked(ref.slot), true
}

// UpdateOutput folds a fragment into a running record. A stderr fragment
// replaces the last stderr line when one exists. Final updates freeze the
// elapsed time.
func (b *outputBuffer) UpdateOutput(ref recordRef, fragment string, final bool) (schema.RecordSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.lookupLocked(ref)
	if rec == nil || rec.state == schema.RecordDone {
		return schema.RecordSnapshot{}, false
	}
	if rec.state == schema.RecordQueued {
		rec.state = schema.RecordRunning
		rec.started = b.now()
	}
	fragment = stripANSI(fragment)
	if strings.HasPrefix(fragment, schema.StderrTag) {
		if strings.TrimSpace(fragment) == schema.StderrTag {
			return schema.RecordSnapshot{}, false
		}
		if replaced, ok := replaceLastStderrLine(rec.content, fragment); ok {
			rec.content = replaced
			fragment = ""
		} else if rec.content != "" && !strings.HasSuffix(rec.content, "\n") {
			rec.content += "\n"
		}
	}
	rec.content += fragment
	if final {
		b.finishLocked(rec)
	} else {
		rec.elapsed = b.now().Sub(rec.started)
	}
	return b.snapshotLocked(ref.slot), true
}

// Touch refreshes the live elapsed time of a running record.
func (b *outputBuffer) Touch(ref recordRef) (schema.RecordSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.lookupLocked(ref)
	if rec == nil || rec.state != schema.RecordRunning {
		return schema.RecordSnapshot{}, false
	}
	rec.elapsed = b.now().Sub(rec.started)
	return b.snapshotLocked(ref.slot), true
}

// Snapshot returns a consistent copy of every record.
func (b *outputBuffer) Snapshot() []schema.RecordSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.RecordSnapshot, len(b.records))
	for i := range b.records {
		out[i] = b.snapshotLocked(schema.Slot(i))
	}
	return out
}

// Record returns the snapshot of one record.
func (b *outputBuffer) Record(ref recordRef) (schema.RecordSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lookupLocked(ref) == nil {
		return schema.RecordSnapshot{}, false
	}
	return b.snapshotLocked(ref.slot), true
}

// Len reports the number of records.
func (b *outputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// FailUnfinished completes every queued or running record with text.
func (b *outputBuffer) FailUnfinished(text string) []schema.RecordSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []schema.RecordSnapshot
	for i := range b.records {
		rec := &b.records[i]
		if rec.state == schema.RecordDone {
			continue
		}
		rec.content = text
		b.finishLocked(rec)
		out = append(out, b.snapshotLocked(schema.Slot(i)))
	}
	return out
}

// Clear drops every record and starts a new epoch.
func (b *outputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.epoch++
}

func (b *outputBuffer) lookupLocked(ref recordRef) *record {
	if ref.epoch != b.epoch || ref.slot < 0 || int(ref.slot) >= len(b.records) {
		return nil
	}
	return &b.records[ref.slot]
}

func (b *outputBuffer) finishLocked(rec *record) {
	if !rec.started.IsZero() {
		rec.elapsed = b.now().Sub(rec.started)
	}
	rec.state = schema.RecordDone
}

func (b *outputBuffer) snapshotLocked(slot schema.Slot) schema.RecordSnapshot {
	rec := b.records[slot]
	return schema.RecordSnapshot{
		Slot:      slot,
		Input:     rec.input,
		Output:    b.renderLocked(rec),
		State:     rec.state,
		StartTime: rec.created,
		Elapsed:   rec.elapsed,
	}
}

func (b *outputBuffer) renderLocked(rec record) string {
	switch rec.state {
	case schema.RecordQueued:
		return b.labels.queued
	case schema.RecordRunning:
		out := rec.content + b.labels.running
		if rec.elapsed >= b.labels.minElapsed {
			out += " (" + formatElapsed(rec.elapsed) + ")"
		}
		return out
	default:
		if rec.started.IsZero() || rec.elapsed < b.labels.minElapsed {
			return rec.content
		}
		out := rec.content
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		return out + "Elapsed: " + formatElapsed(rec.elapsed) + "\n"
	}
}

// replaceLastStderrLine swaps the last stderr-tagged line of content for
// fragment. It reports false when content has no stderr line.
func replaceLastStderrLine(content, fragment string) (string, bool) {
	lines := strings.SplitAfter(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if !strings.HasPrefix(lines[i], schema.StderrTag) {
			continue
		}
		replacement := strings.TrimSuffix(fragment, "\n")
		if strings.HasSuffix(lines[i], "\n") {
			replacement += "\n"
		}
		lines[i] = replacement
		return strings.Join(lines, ""), true
	}
	return content, false
}

// formatElapsed renders a duration as 3s, 2m05s or 1h02m.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d/time.Minute), int(d%time.Minute/time.Second))
	default:
		return fmt.Sprintf("%dh%02dm", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
}
