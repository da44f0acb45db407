package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/store"
)

// contextKey is a private type used for context value keys to avoid collisions.
// Using a private type ensures that context keys from this package don't conflict
// with keys from other packages, following Go's context best practices.
type contextKey string

// Context keys for propagating execution metadata to nodes.
const (
	// RunIDKey is the context key for the unique workflow run identifier.
	RunIDKey contextKey = "langgraph.run_id"

	// StepIDKey is the context key for the current execution step number.
	StepIDKey contextKey = "langgraph.step_id"

	// NodeIDKey is the context key for the current node identifier.
	NodeIDKey contextKey = "langgraph.node_id"

	// AttemptKey is the context key for the current retry attempt number (0-based).
	// Value is 0 for first execution, incremented on each retry.
	AttemptKey contextKey = "langgraph.attempt"

	// RNGKey is the context key for the seeded random number generator.
	// Provides deterministic randomness for replay scenarios.
	// Type: *rand.Rand (from math/rand package)
	RNGKey contextKey = "langgraph.rng"
)

// initRNG creates a deterministic random number generator seeded from the runID.
//
// The seed is computed by hashing the runID with SHA-256 and using the first 8
// bytes as an int64 seed, so a given run always replays the same jitter choices
// for retry backoff.
func initRNG(runID string) *rand.Rand {
	hasher := sha256.New()
	hasher.Write([]byte(runID))
	hashBytes := hasher.Sum(nil)

	seed := int64(binary.BigEndian.Uint64(hashBytes[:8])) // #nosec G115 -- conversion for deterministic seeding
	source := rand.NewSource(seed)                        // #nosec G404 -- deterministic RNG, not security
	return rand.New(source)                                // #nosec G404 -- deterministic RNG, not security
}

// Engine orchestrates stateful workflow execution with checkpointing support.
//
// The Engine is the core runtime that:
//   - Manages workflow graph topology (nodes and edges)
//   - Executes nodes one step at a time, merging state updates via the reducer
//   - Persists state at each step via the store
//   - Emits observability events via the emitter
//   - Enforces execution limits (MaxSteps, DefaultNodeTimeout, RunWallClockBudget)
//   - Retries a node's step per its NodePolicy.RetryPolicy
//   - Supports checkpoint save/resume
//
// Workflow runs in this package execute a single linear (with branching) path
// per run: a node's NodeResult routes to exactly one next node (or stops).
// There is no concurrent fan-out/fan-in of a run's own nodes; independent runs
// are still free to execute concurrently via the worker pool.
//
// Type parameter S is the state type shared across the workflow.
type Engine[S any] struct {
	mu sync.RWMutex

	// reducer merges partial state updates deterministically
	reducer Reducer[S]

	// nodes maps node IDs to Node implementations
	nodes map[string]Node[S]

	// edges defines conditional transitions between nodes
	edges []Edge[S]

	// startNode is the entry point for workflow execution
	startNode string

	// store persists workflow state and checkpoints
	store store.Store[S]

	// emitter receives observability events
	emitter emit.Emitter

	// opts contains execution configuration
	opts Options
}

// Options configures Engine execution behavior.
//
// Zero values are valid - the Engine will use sensible defaults.
type Options struct {
	// MaxSteps limits workflow execution to prevent infinite loops.
	// If 0, no limit is enforced (use with caution).
	//
	// Workflow loops (A → B → A) are fully supported. Use MaxSteps to prevent
	// infinite loops when a conditional exit is missing or misconfigured.
	//
	// When MaxSteps is exceeded, Run() returns EngineError with code "MAX_STEPS_EXCEEDED".
	MaxSteps int

	// DefaultNodeTimeout is the maximum execution time for nodes without an
	// explicit NodePolicy.Timeout. Individual nodes can override this via a
	// Policy() NodePolicy method (see graph/timeout.go).
	//
	// Prevents a single slow node (e.g. a stalled LLM call) from blocking
	// workflow progress indefinitely.
	DefaultNodeTimeout time.Duration

	// RunWallClockBudget is the maximum total execution time for Run().
	// If exceeded, Run() returns context.DeadlineExceeded.
	RunWallClockBudget time.Duration
}

// New creates a new Engine with the given configuration.
//
// Supports two configuration patterns:
//
// 1. Options struct:
//
//	engine := New(reducer, store, emitter, Options{MaxSteps: 100})
//
// 2. Functional options:
//
//	engine := New(
//	    reducer, store, emitter,
//	    WithMaxSteps(100),
//	    WithDefaultNodeTimeout(10*time.Second),
//	)
//
// 3. Mixed (Options struct + functional options, the latter overriding):
//
//	baseOpts := Options{MaxSteps: 100}
//	engine := New(reducer, store, emitter, baseOpts, WithDefaultNodeTimeout(5*time.Second))
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, options ...interface{}) *Engine[S] {
	cfg := &engineConfig{
		opts: Options{},
	}

	for _, opt := range options {
		switch v := opt.(type) {
		case Options:
			cfg.opts = v
		case Option:
			_ = v(cfg)
		default:
			// Ignore unknown types for forward compatibility
		}
	}

	return &Engine[S]{
		reducer: reducer,
		nodes:   make(map[string]Node[S]),
		edges:   make([]Edge[S], 0),
		store:   st,
		emitter: emitter,
		opts:    cfg.opts,
	}
}

// Add registers a node in the workflow graph.
//
// Nodes must be added before calling StartAt or Run.
// Node IDs must be unique within the workflow.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if e == nil {
		return &EngineError{Message: "engine is nil", Code: "NIL_ENGINE"}
	}
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{
			Message: "duplicate node ID: " + nodeID,
			Code:    "DUPLICATE_NODE",
		}
	}

	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry point for workflow execution.
//
// The node must have been registered via Add() before calling StartAt.
func (e *Engine[S]) StartAt(nodeID string) error {
	if e == nil {
		return &EngineError{Message: "engine is nil", Code: "NIL_ENGINE"}
	}
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{
			Message: "start node does not exist: " + nodeID,
			Code:    "NODE_NOT_FOUND",
		}
	}

	e.startNode = nodeID
	return nil
}

// Connect creates an edge between two nodes.
//
// Node explicit routing via NodeResult.Route takes precedence over edges.
// Node existence is not validated (lazy validation) to allow flexible graph
// construction order.
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if e == nil {
		return &EngineError{Message: "engine is nil", Code: "NIL_ENGINE"}
	}
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// Run executes the workflow from start to completion or error.
//
// Workflow execution:
//  1. Validates engine configuration (reducer, store, startNode)
//  2. Executes nodes starting from startNode, one at a time
//  3. Wraps each node's execution with its timeout and retry policy
//  4. Follows routing decisions (Stop or Goto, falling back to edges)
//  5. Applies reducer to merge state updates and persists each step
//  6. Emits observability events
//  7. Enforces MaxSteps and RunWallClockBudget
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	var zero S

	if e == nil {
		return zero, &EngineError{Message: "engine is nil", Code: "NIL_ENGINE"}
	}
	if err := e.validate(); err != nil {
		return zero, err
	}

	e.mu.RLock()
	_, exists := e.nodes[e.startNode]
	e.mu.RUnlock()
	if !exists {
		return zero, &EngineError{
			Message: "start node does not exist: " + e.startNode,
			Code:    "NODE_NOT_FOUND",
		}
	}

	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	// Deterministic RNG: same runID always reproduces the same retry jitter.
	rng := initRNG(runID)
	ctx = context.WithValue(ctx, RNGKey, rng)

	return e.run(ctx, runID, e.startNode, initial, 0)
}

// validate checks the configuration required for Run/ResumeFromCheckpoint.
func (e *Engine[S]) validate() error {
	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.store == nil {
		return &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if e.startNode == "" {
		return &EngineError{Message: "start node not set (call StartAt before Run)", Code: "NO_START_NODE"}
	}
	return nil
}

// run is the shared sequential execution loop used by both Run and
// ResumeFromCheckpoint. step0 is the step counter to resume counting from
// (0 for a fresh run).
func (e *Engine[S]) run(ctx context.Context, runID, startNode string, initial S, step0 int) (S, error) {
	var zero S

	currentState := initial
	currentNode := startNode
	step := step0

	for {
		step++

		if e.opts.MaxSteps > 0 && step > e.opts.MaxSteps {
			return zero, &EngineError{Message: "workflow exceeded MaxSteps limit", Code: "MAX_STEPS_EXCEEDED"}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		e.mu.RLock()
		nodeImpl, exists := e.nodes[currentNode]
		e.mu.RUnlock()
		if !exists {
			return zero, &EngineError{Message: "node not found during execution: " + currentNode, Code: "NODE_NOT_FOUND"}
		}

		e.emitNodeStart(runID, currentNode, step-1)

		result, err := e.runNode(ctx, nodeImpl, currentNode, currentState)
		if err != nil {
			e.emitError(runID, currentNode, step-1, err)
			return zero, err
		}
		if result.Err != nil {
			e.emitError(runID, currentNode, step-1, result.Err)
			return zero, result.Err
		}

		currentState = e.reducer(currentState, result.Delta)

		if err := e.store.SaveStep(ctx, runID, step, currentNode, currentState); err != nil {
			return zero, &EngineError{Message: "failed to save step: " + err.Error(), Code: "STORE_ERROR"}
		}

		e.emitNodeEnd(runID, currentNode, step-1, result.Delta)

		if result.Route.Terminal {
			e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{"terminal": true})
			return currentState, nil
		}

		if result.Route.To != "" {
			e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{"next_node": result.Route.To})
			currentNode = result.Route.To
			continue
		}

		nextNode := e.evaluateEdges(currentNode, currentState)
		if nextNode == "" {
			return zero, &EngineError{Message: "no valid route from node: " + currentNode, Code: "NO_ROUTE"}
		}

		e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{"next_node": nextNode, "via_edge": true})
		currentNode = nextNode
	}
}

// runNode executes a single node's step, applying its timeout (via
// executeNodeWithTimeout) and, if the node exposes a Policy() NodePolicy with
// a RetryPolicy, retrying with exponential backoff + jitter on retryable
// errors (see graph/policy.go's computeBackoff).
//
// Nodes opt into a custom policy via an optional interface rather than a
// required Node method, so existing nodes need no changes:
//
//	func (n *myNode) Policy() NodePolicy { return NodePolicy{...} }
func (e *Engine[S]) runNode(ctx context.Context, node Node[S], nodeID string, state S) (NodeResult[S], error) {
	var policy *NodePolicy
	if policyProvider, ok := node.(interface{ Policy() NodePolicy }); ok {
		p := policyProvider.Policy()
		policy = &p
	}

	retry := policy != nil && policy.RetryPolicy != nil
	if !retry {
		result, timeoutErr := executeNodeWithTimeout(ctx, node, nodeID, state, policy, e.opts.DefaultNodeTimeout)
		if timeoutErr != nil {
			return result, timeoutErr
		}
		return result, nil
	}

	rp := policy.RetryPolicy
	if err := rp.Validate(); err != nil {
		return NodeResult[S]{}, &EngineError{Message: "invalid retry policy for node " + nodeID + ": " + err.Error(), Code: "INVALID_RETRY_POLICY"}
	}

	rng, _ := ctx.Value(RNGKey).(*rand.Rand)

	var lastResult NodeResult[S]
	var lastErr error
	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		attemptCtx := context.WithValue(ctx, AttemptKey, attempt)
		result, timeoutErr := executeNodeWithTimeout(attemptCtx, node, nodeID, state, policy, e.opts.DefaultNodeTimeout)
		lastResult, lastErr = result, timeoutErr
		if timeoutErr == nil {
			lastErr = result.Err
		}
		if lastErr == nil {
			return result, nil
		}

		retryable := rp.Retryable != nil && rp.Retryable(lastErr)
		if !retryable || attempt == rp.MaxAttempts-1 {
			break
		}

		delay := computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastResult, ctx.Err()
		case <-timer.C:
		}
	}

	return lastResult, lastErr
}

// evaluateEdges finds the first matching edge from the given node based on predicates.
//
// Evaluates outgoing edges in order:
//  1. If edge has nil predicate (unconditional), always matches
//  2. If edge predicate returns true for current state, matches
//  3. First matching edge wins (priority order)
//
// Returns empty string if no edges match.
func (e *Engine[S]) evaluateEdges(fromNode string, state S) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != fromNode {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

// SaveCheckpoint creates a named, durable snapshot of the latest persisted
// state for runID, independent of the step-by-step history kept by SaveStep.
func (e *Engine[S]) SaveCheckpoint(ctx context.Context, runID string, cpID string) error {
	latestState, latestStep, err := e.store.LoadLatest(ctx, runID)
	if err != nil {
		return &EngineError{Message: "cannot create checkpoint: run state not found: " + err.Error(), Code: "RUN_NOT_FOUND"}
	}

	if err := e.store.SaveCheckpoint(ctx, cpID, latestState, latestStep); err != nil {
		return &EngineError{Message: "failed to save checkpoint: " + err.Error(), Code: "CHECKPOINT_SAVE_FAILED"}
	}

	if e.emitter != nil {
		e.emitter.Emit(emit.Event{
			RunID: runID,
			Step:  latestStep,
			Msg:   "checkpoint saved: " + cpID,
			Meta:  map[string]interface{}{"checkpoint_id": cpID},
		})
	}

	return nil
}

// ResumeFromCheckpoint resumes workflow execution from a saved checkpoint.
//
// This enables:
//   - Crash recovery (save checkpoints, resume after failure)
//   - Branching workflows (checkpoint, try path A, resume from checkpoint, try path B)
//   - Manual intervention (pause at checkpoint, human review, resume)
//
// The resume operation loads the checkpoint state and continues the same
// sequential execution loop as Run, starting at startNode.
func (e *Engine[S]) ResumeFromCheckpoint(ctx context.Context, cpID string, newRunID string, startNode string) (S, error) {
	var zero S

	checkpointState, checkpointStep, err := e.store.LoadCheckpoint(ctx, cpID)
	if err != nil {
		return zero, &EngineError{Message: "cannot resume: checkpoint not found: " + err.Error(), Code: "CHECKPOINT_NOT_FOUND"}
	}

	if e.emitter != nil {
		e.emitter.Emit(emit.Event{
			RunID: newRunID,
			NodeID: startNode,
			Msg:   "resuming from checkpoint: " + cpID,
			Meta:  map[string]interface{}{"checkpoint_id": cpID, "checkpoint_step": checkpointStep},
		})
	}

	if e.reducer == nil {
		return zero, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.store == nil {
		return zero, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if startNode == "" {
		return zero, &EngineError{Message: "start node not specified for resume", Code: "NO_START_NODE"}
	}

	e.mu.RLock()
	_, exists := e.nodes[startNode]
	e.mu.RUnlock()
	if !exists {
		return zero, &EngineError{Message: "resume start node does not exist: " + startNode, Code: "NODE_NOT_FOUND"}
	}

	rng := initRNG(newRunID)
	ctx = context.WithValue(ctx, RNGKey, rng)

	return e.run(ctx, newRunID, startNode, checkpointState, 0)
}

// emitNodeStart emits a node_start event if emitter is configured.
func (e *Engine[S]) emitNodeStart(runID, nodeID string, step int) {
	if e.emitter != nil {
		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: "node_start"})
	}
}

// emitNodeEnd emits a node_end event with delta metadata if emitter is configured.
func (e *Engine[S]) emitNodeEnd(runID, nodeID string, step int, delta S) {
	if e.emitter != nil {
		e.emitter.Emit(emit.Event{
			RunID: runID, Step: step, NodeID: nodeID, Msg: "node_end",
			Meta: map[string]interface{}{"delta": delta},
		})
	}
}

// emitError emits an error event if emitter is configured.
func (e *Engine[S]) emitError(runID, nodeID string, step int, err error) {
	if e.emitter != nil {
		e.emitter.Emit(emit.Event{
			RunID: runID, Step: step, NodeID: nodeID, Msg: "error",
			Meta: map[string]interface{}{"error": err.Error()},
		})
	}
}

// emitRoutingDecision emits a routing_decision event if emitter is configured.
func (e *Engine[S]) emitRoutingDecision(runID, nodeID string, step int, meta map[string]interface{}) {
	if e.emitter != nil {
		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: nodeID, Msg: "routing_decision", Meta: meta})
	}
}

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
