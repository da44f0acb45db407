package workflow

import (
	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/store"
)

// ParamType enumerates the scalar kinds a workflow parameter can declare.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamBool   ParamType = "bool"
	ParamList   ParamType = "list"
	ParamObject ParamType = "object"
)

// ParamDefinition describes one entry in a workflow's parameter schema, used
// both to validate task submission and to synthesize CLI flags and --help
// text.
type ParamDefinition struct {
	Name           string
	Type           ParamType
	Required       bool
	Default        any
	Examples       []string
	Description    string
	CustomValidate func(value any) error
}

// Metadata describes a registered workflow for discovery: listing,
// filtering by tag, and CLI --help synthesis.
type Metadata struct {
	Name        string
	Description string
	Tags        []string
	Params      []ParamDefinition
}

// GraphBuilder constructs the node/edge graph for one workflow run. It
// receives the already-validated task parameters and a per-run emitter
// (so the caller can fan observability events into task-scoped progress
// notifications) and returns a ready Engine plus the channel declarations
// that drive its reducer.
type GraphBuilder func(params map[string]any, emitter emit.Emitter) (*graph.Engine[State], Channels, error)

// Factory is everything the registry needs to run one workflow: its
// discovery metadata and the function that builds a fresh graph per task.
type Factory struct {
	Meta  Metadata
	Build GraphBuilder
}

// NewEngine is a convenience constructor every Factory.Build implementation
// uses to assemble a graph.Engine[State] with the channel reducer compiled
// from the workflow's declared channels merged onto the base channels.
func NewEngine(channels Channels, st store.Store[State], emitter emit.Emitter, opts ...interface{}) (*graph.Engine[State], Channels) {
	merged := channels.Merge(BaseChannels())
	reducer := BuildReducer(merged)
	return graph.New[State](reducer, st, emitter, opts...), merged
}
