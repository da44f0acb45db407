// Package graph provides the core graph execution engine for LangGraph-Go.
package graph

import "time"

// Option is a functional option for configuring an Engine.
//
// Functional options provide a clean, extensible API for engine configuration:
//   - Chainable: engine := New(reducer, store, emitter, WithMaxSteps(50), WithDefaultNodeTimeout(10*time.Second))
//   - Self-documenting: Option names clearly describe their purpose.
//   - Optional: Only specify the configuration you need.
//   - Backward compatible: an Options struct can still be passed directly.
//
// Options can be mixed with the Options struct; functional options override
// fields already set by the struct:
//
//	opts := graph.Options{MaxSteps: 100}
//	engine := graph.New(reducer, store, emitter, opts, graph.WithDefaultNodeTimeout(5*time.Second))
type Option func(*engineConfig) error

// engineConfig is an internal struct used to collect options before applying them to an Engine.
type engineConfig struct {
	opts Options
}

// WithMaxSteps limits workflow execution to prevent infinite loops.
//
// Default: 0 (no limit, use with caution).
//
// When MaxSteps is exceeded, Run() returns EngineError with code "MAX_STEPS_EXCEEDED".
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the maximum execution time for nodes without
// an explicit Policy().Timeout override.
//
// Prevents a single slow node from blocking workflow progress indefinitely.
// When exceeded, node execution is cancelled and Run returns an EngineError
// with code "NODE_TIMEOUT".
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithRunWallClockBudget sets the maximum total execution time for Run().
//
// If exceeded, Run() returns context.DeadlineExceeded. Set to 0 to disable
// (workflow runs until completion or MaxSteps).
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RunWallClockBudget = d
		return nil
	}
}
