package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/store"
)

// mockEmitter is a test implementation of emit.Emitter.
type mockEmitter struct {
	mu     sync.Mutex
	events []emit.Event
}

func (m *mockEmitter) Emit(event emit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, event := range events {
		m.Emit(event)
	}
	return nil
}

func (m *mockEmitter) Flush(ctx context.Context) error { return nil }

func (m *mockEmitter) snapshot() []emit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]emit.Event, len(m.events))
	copy(out, m.events)
	return out
}

func testReducer(prev, delta TestState) TestState {
	if delta.Value != "" {
		prev.Value = delta.Value
	}
	prev.Counter += delta.Counter
	return prev
}

func createTestEngine() *Engine[TestState] {
	return New(testReducer, store.NewMemStore[TestState](), &mockEmitter{}, Options{MaxSteps: 50})
}

func TestEngine_Construction(t *testing.T) {
	t.Run("New returns a usable engine", func(t *testing.T) {
		engine := New(testReducer, store.NewMemStore[TestState](), &mockEmitter{}, Options{MaxSteps: 100})
		if engine == nil {
			t.Fatal("New returned nil engine")
		}
	})

	t.Run("functional options compose with an Options struct", func(t *testing.T) {
		engine := New(testReducer, store.NewMemStore[TestState](), &mockEmitter{},
			Options{MaxSteps: 10},
			WithDefaultNodeTimeout(5*time.Second),
			WithRunWallClockBudget(time.Minute),
		)
		if engine.opts.MaxSteps != 10 {
			t.Fatalf("expected MaxSteps from struct to survive, got %d", engine.opts.MaxSteps)
		}
		if engine.opts.DefaultNodeTimeout != 5*time.Second {
			t.Fatalf("expected DefaultNodeTimeout from functional option, got %v", engine.opts.DefaultNodeTimeout)
		}
	})

	t.Run("nil engine methods return EngineError instead of panicking", func(t *testing.T) {
		var engine *Engine[TestState]
		if err := engine.Add("n", nil); err == nil {
			t.Fatal("expected error from nil engine Add")
		}
		if err := engine.StartAt("n"); err == nil {
			t.Fatal("expected error from nil engine StartAt")
		}
		if err := engine.Connect("a", "b", nil); err == nil {
			t.Fatal("expected error from nil engine Connect")
		}
	})
}

func TestEngine_AddStartAtConnect(t *testing.T) {
	engine := createTestEngine()
	stop := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Route: Stop()}
	})

	if err := engine.Add("a", stop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := engine.Add("a", stop); err == nil {
		t.Fatal("expected duplicate node ID to error")
	}
	if err := engine.StartAt("missing"); err == nil {
		t.Fatal("expected StartAt on unregistered node to error")
	}
	if err := engine.StartAt("a"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	if err := engine.Connect("a", "b", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestEngine_Run_SequentialHappyPath(t *testing.T) {
	st := store.NewMemStore[TestState]()
	emitter := &mockEmitter{}
	engine := New(testReducer, st, emitter, Options{MaxSteps: 10})

	step1 := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Value: "step1", Counter: 1}, Route: Goto("step2")}
	})
	step2 := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Value: "step2", Counter: 1}, Route: Stop()}
	})

	_ = engine.Add("step1", step1)
	_ = engine.Add("step2", step2)
	_ = engine.StartAt("step1")

	final, err := engine.Run(context.Background(), "run-1", TestState{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Value != "step2" || final.Counter != 2 {
		t.Fatalf("unexpected final state: %+v", final)
	}

	_, step, err := st.LoadLatest(context.Background(), "run-1")
	if err != nil || step != 2 {
		t.Fatalf("expected 2 persisted steps, got step=%d err=%v", step, err)
	}

	events := emitter.snapshot()
	if len(events) == 0 {
		t.Fatal("expected node_start/node_end/routing_decision events to be emitted")
	}
}

func TestEngine_Run_EdgeBasedRouting(t *testing.T) {
	engine := createTestEngine()

	a := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Counter: 1}}
	})
	b := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Route: Stop()}
	})

	_ = engine.Add("a", a)
	_ = engine.Add("b", b)
	_ = engine.StartAt("a")
	_ = engine.Connect("a", "b", func(s TestState) bool { return s.Counter > 0 })

	final, err := engine.Run(context.Background(), "run-edge", TestState{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Counter != 1 {
		t.Fatalf("expected edge routing to reach node b, got %+v", final)
	}
}

func TestEngine_Run_NoMatchingEdgeErrors(t *testing.T) {
	engine := createTestEngine()
	a := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{}
	})
	_ = engine.Add("a", a)
	_ = engine.StartAt("a")

	_, err := engine.Run(context.Background(), "run-no-route", TestState{})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "NO_ROUTE" {
		t.Fatalf("expected NO_ROUTE error, got %v", err)
	}
}

func TestEngine_Run_MaxStepsExceeded(t *testing.T) {
	engine := New(testReducer, store.NewMemStore[TestState](), &mockEmitter{}, Options{MaxSteps: 2})
	loop := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Counter: 1}, Route: Goto("loop")}
	})
	_ = engine.Add("loop", loop)
	_ = engine.StartAt("loop")

	_, err := engine.Run(context.Background(), "run-loop", TestState{})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "MAX_STEPS_EXCEEDED" {
		t.Fatalf("expected MAX_STEPS_EXCEEDED, got %v", err)
	}
}

func TestEngine_Run_NodeErrorHaltsExecution(t *testing.T) {
	engine := createTestEngine()
	boom := errors.New("boom")
	failing := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Err: boom}
	})
	_ = engine.Add("failing", failing)
	_ = engine.StartAt("failing")

	_, err := engine.Run(context.Background(), "run-err", TestState{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected node error to propagate, got %v", err)
	}
}

func TestEngine_Run_RunWallClockBudget(t *testing.T) {
	engine := New(testReducer, store.NewMemStore[TestState](), &mockEmitter{}, Options{
		RunWallClockBudget: 10 * time.Millisecond,
	})
	slow := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		<-ctx.Done()
		return NodeResult[TestState]{Err: ctx.Err()}
	})
	_ = engine.Add("slow", slow)
	_ = engine.StartAt("slow")

	_, err := engine.Run(context.Background(), "run-budget", TestState{})
	if err == nil {
		t.Fatal("expected run wall clock budget to cut the run short")
	}
}

// timeoutPolicyNode exercises the Policy() optional interface that
// runNode/executeNodeWithTimeout type-assert for per-node timeout overrides.
type timeoutPolicyNode struct {
	timeout time.Duration
	delay   time.Duration
}

func (n *timeoutPolicyNode) Run(ctx context.Context, s TestState) NodeResult[TestState] {
	select {
	case <-time.After(n.delay):
		return NodeResult[TestState]{Route: Stop()}
	case <-ctx.Done():
		return NodeResult[TestState]{Err: ctx.Err()}
	}
}

func (n *timeoutPolicyNode) Policy() NodePolicy {
	return NodePolicy{Timeout: n.timeout}
}

func TestEngine_Run_PerNodeTimeout(t *testing.T) {
	engine := createTestEngine()
	node := &timeoutPolicyNode{timeout: 5 * time.Millisecond, delay: 200 * time.Millisecond}
	_ = engine.Add("slow", node)
	_ = engine.StartAt("slow")

	_, err := engine.Run(context.Background(), "run-timeout", TestState{})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "NODE_TIMEOUT" {
		t.Fatalf("expected NODE_TIMEOUT, got %v", err)
	}
}

// retryPolicyNode fails a fixed number of times before succeeding, to
// exercise the retry loop wired into runNode.
type retryPolicyNode struct {
	mu         sync.Mutex
	failures   int
	attempts   int
	maxRetries int
}

func (n *retryPolicyNode) Run(ctx context.Context, s TestState) NodeResult[TestState] {
	n.mu.Lock()
	n.attempts++
	attempt := n.attempts
	n.mu.Unlock()

	if attempt <= n.failures {
		return NodeResult[TestState]{Err: errTransient}
	}
	return NodeResult[TestState]{Route: Stop()}
}

func (n *retryPolicyNode) Policy() NodePolicy {
	return NodePolicy{
		RetryPolicy: &RetryPolicy{
			MaxAttempts: n.maxRetries,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		},
	}
}

var errTransient = errors.New("transient failure")

func TestEngine_Run_RetriesTransientNodeErrors(t *testing.T) {
	engine := createTestEngine()
	node := &retryPolicyNode{failures: 2, maxRetries: 5}
	_ = engine.Add("flaky", node)
	_ = engine.StartAt("flaky")

	_, err := engine.Run(context.Background(), "run-retry", TestState{})
	if err != nil {
		t.Fatalf("expected retries to eventually succeed, got %v", err)
	}
	if node.attempts != 3 {
		t.Fatalf("expected exactly 3 attempts (2 failures + 1 success), got %d", node.attempts)
	}
}

func TestEngine_Run_GivesUpAfterMaxAttempts(t *testing.T) {
	engine := createTestEngine()
	node := &retryPolicyNode{failures: 10, maxRetries: 3}
	_ = engine.Add("flaky", node)
	_ = engine.StartAt("flaky")

	_, err := engine.Run(context.Background(), "run-retry-exhausted", TestState{})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error after exhausting retries, got %v", err)
	}
	if node.attempts != 3 {
		t.Fatalf("expected exactly MaxAttempts=3 attempts, got %d", node.attempts)
	}
}

// nonRetryableNode always fails with an error its RetryPolicy.Retryable
// predicate rejects, so the engine must not retry it.
type nonRetryableNode struct {
	attempts int
}

var errPermanent = errors.New("permanent failure")

func (n *nonRetryableNode) Run(ctx context.Context, s TestState) NodeResult[TestState] {
	n.attempts++
	return NodeResult[TestState]{Err: errPermanent}
}

func (n *nonRetryableNode) Policy() NodePolicy {
	return NodePolicy{
		RetryPolicy: &RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Retryable:   func(error) bool { return false },
		},
	}
}

func TestEngine_Run_NonRetryableErrorFailsImmediately(t *testing.T) {
	engine := createTestEngine()
	node := &nonRetryableNode{}
	_ = engine.Add("permanent", node)
	_ = engine.StartAt("permanent")

	_, err := engine.Run(context.Background(), "run-permanent", TestState{})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error to surface, got %v", err)
	}
	if node.attempts != 1 {
		t.Fatalf("expected exactly 1 attempt (no retry), got %d", node.attempts)
	}
}

func TestEngine_SaveAndResumeFromCheckpoint(t *testing.T) {
	st := store.NewMemStore[TestState]()
	engine := New(testReducer, st, &mockEmitter{}, Options{MaxSteps: 10})

	first := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Value: "checkpointed", Counter: 1}, Route: Stop()}
	})
	second := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Counter: 1}, Route: Stop()}
	})

	_ = engine.Add("first", first)
	_ = engine.Add("second", second)
	_ = engine.StartAt("first")

	if _, err := engine.Run(context.Background(), "run-cp", TestState{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := engine.SaveCheckpoint(context.Background(), "run-cp", "after-first"); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	final, err := engine.ResumeFromCheckpoint(context.Background(), "after-first", "run-cp-resumed", "second")
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint: %v", err)
	}
	if final.Value != "checkpointed" || final.Counter != 2 {
		t.Fatalf("unexpected resumed state: %+v", final)
	}
}

func TestEngine_Run_MissingReducerOrStore(t *testing.T) {
	t.Run("missing reducer", func(t *testing.T) {
		engine := New[TestState](nil, store.NewMemStore[TestState](), &mockEmitter{})
		stop := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] { return NodeResult[TestState]{Route: Stop()} })
		_ = engine.Add("n", stop)
		_ = engine.StartAt("n")
		if _, err := engine.Run(context.Background(), "r", TestState{}); err == nil {
			t.Fatal("expected missing-reducer error")
		}
	})

	t.Run("missing store", func(t *testing.T) {
		engine := New[TestState](testReducer, nil, &mockEmitter{})
		stop := NodeFunc[TestState](func(ctx context.Context, s TestState) NodeResult[TestState] { return NodeResult[TestState]{Route: Stop()} })
		_ = engine.Add("n", stop)
		_ = engine.StartAt("n")
		if _, err := engine.Run(context.Background(), "r", TestState{}); err == nil {
			t.Fatal("expected missing-store error")
		}
	})

	t.Run("no start node", func(t *testing.T) {
		engine := createTestEngine()
		if _, err := engine.Run(context.Background(), "r", TestState{}); err == nil {
			t.Fatal("expected no-start-node error")
		}
	})
}
