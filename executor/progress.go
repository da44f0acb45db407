package executor

import (
	"context"
	"sync"

	"github.com/contentforge/orchestrator/graph/emit"
)

// ProgressEvent is delivered to a subscriber on every graph step (spec
// §4.7 "Progress").
type ProgressEvent struct {
	TaskID      string
	CurrentStep string
	Percentage  int
	Message     string
}

// ProgressCallback receives ProgressEvent notifications. Panics and errors
// inside a callback are isolated by the caller; they never propagate into
// the executor.
type ProgressCallback func(ProgressEvent)

// progressTable is the in-process subscription table keyed by task id
// (spec §5 "In-process progress-callback table: keyed by task id; guarded
// by a mutex; callback lists are snapshot-copied before invocation").
type progressTable struct {
	mu        sync.Mutex
	callbacks map[string][]ProgressCallback
}

func newProgressTable() *progressTable {
	return &progressTable{callbacks: make(map[string][]ProgressCallback)}
}

func (t *progressTable) subscribe(taskID string, cb ProgressCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks[taskID] = append(t.callbacks[taskID], cb)
}

func (t *progressTable) unsubscribeAll(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.callbacks, taskID)
}

func (t *progressTable) snapshot(taskID string) []ProgressCallback {
	t.mu.Lock()
	defer t.mu.Unlock()
	cbs := t.callbacks[taskID]
	out := make([]ProgressCallback, len(cbs))
	copy(out, cbs)
	return out
}

func (t *progressTable) notify(event ProgressEvent) {
	for _, cb := range t.snapshot(event.TaskID) {
		invokeIsolated(cb, event)
	}
}

// invokeIsolated calls cb and recovers any panic, matching the "callback
// errors are isolated" contract: a misbehaving subscriber cannot take down
// a run.
func invokeIsolated(cb ProgressCallback, event ProgressEvent) {
	defer func() { _ = recover() }()
	cb(event)
}

// progressEmitter adapts the graph runtime's emit.Emitter extension point
// into task-scoped progress notifications: every node-start/node-complete
// event the teacher's engine already emits is forwarded here, translated
// into a ProgressEvent, and fanned out to that task's subscribers. It also
// forwards every event unchanged to an underlying emitter so workflow
// observability (spec's ambient stack) keeps working.
type progressEmitter struct {
	taskID    string
	underlying emit.Emitter
	table      *progressTable
	totalNodes int
}

func newProgressEmitter(taskID string, underlying emit.Emitter, table *progressTable, totalNodes int) *progressEmitter {
	if underlying == nil {
		underlying = emit.NewNullEmitter()
	}
	return &progressEmitter{taskID: taskID, underlying: underlying, table: table, totalNodes: totalNodes}
}

func (p *progressEmitter) Emit(event emit.Event) {
	p.underlying.Emit(event)
	if event.NodeID == "" {
		return
	}
	pct := 0
	if p.totalNodes > 0 {
		pct = (event.Step * 100) / p.totalNodes
		if pct > 100 {
			pct = 100
		}
	}
	p.table.notify(ProgressEvent{
		TaskID:      p.taskID,
		CurrentStep: event.NodeID,
		Percentage:  pct,
		Message:     event.Msg,
	})
}

func (p *progressEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, e := range events {
		p.Emit(e)
	}
	return p.underlying.EmitBatch(ctx, events)
}

func (p *progressEmitter) Flush(ctx context.Context) error {
	return p.underlying.Flush(ctx)
}
