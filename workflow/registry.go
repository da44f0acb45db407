package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/emit"
)

// ErrUnknownWorkflow is returned by Get when no factory is registered under
// the requested type.
type ErrUnknownWorkflow struct {
	Type string
}

func (e *ErrUnknownWorkflow) Error() string {
	return fmt.Sprintf("workflow: unknown workflow type %q", e.Type)
}

// ErrInvalidParams is returned by ValidateParams/CreateState when a
// parameter bag fails the factory's declared schema.
type ErrInvalidParams struct {
	Type   string
	Reason string
}

func (e *ErrInvalidParams) Error() string {
	return fmt.Sprintf("workflow: invalid params for %q: %s", e.Type, e.Reason)
}

// ErrAlreadyRegistered is returned by Register when a type name is already
// taken.
type ErrAlreadyRegistered struct {
	Type string
}

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("workflow: %q is already registered", e.Type)
}

// Registry is a process-global name-to-factory lookup for workflow
// definitions. It is safe for concurrent use. Built-in workflows are
// registered once at process start; late registration is allowed but, like
// the teacher's own node registry, is not coordinated across processes.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under factory.Meta.Name. It fails if the name is
// empty or already taken.
func (r *Registry) Register(f Factory) error {
	if f.Meta.Name == "" {
		return fmt.Errorf("workflow: register requires a non-empty name")
	}
	if f.Build == nil {
		return fmt.Errorf("workflow: register requires a non-nil Build func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.Meta.Name]; exists {
		return &ErrAlreadyRegistered{Type: f.Meta.Name}
	}
	r.factories[f.Meta.Name] = f
	return nil
}

// Unregister removes a factory. Intended for tests; production code should
// not need to unregister a workflow mid-process.
func (r *Registry) Unregister(workflowType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, workflowType)
}

// Clear removes every registered factory. Testing only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Has reports whether a factory is registered under workflowType.
func (r *Registry) Has(workflowType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[workflowType]
	return ok
}

// Count returns the number of registered factories.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// List returns every registered workflow's metadata, sorted by name for
// deterministic output.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f.Meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FilterByTag returns metadata for every registered workflow carrying the
// given tag, sorted by name.
func (r *Registry) FilterByTag(tag string) []Metadata {
	all := r.List()
	out := make([]Metadata, 0, len(all))
	for _, m := range all {
		for _, t := range m.Tags {
			if t == tag {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Get returns the factory registered under workflowType, or
// ErrUnknownWorkflow.
func (r *Registry) Get(workflowType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[workflowType]
	if !ok {
		return Factory{}, &ErrUnknownWorkflow{Type: workflowType}
	}
	return f, nil
}

// GetOptional returns the factory registered under workflowType and true,
// or a zero Factory and false if none is registered.
func (r *Registry) GetOptional(workflowType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[workflowType]
	return f, ok
}

// GetMetadata returns the discovery metadata for a registered workflow.
func (r *Registry) GetMetadata(workflowType string) (Metadata, error) {
	f, err := r.Get(workflowType)
	if err != nil {
		return Metadata{}, err
	}
	return f.Meta, nil
}

// ValidateParams checks params against the factory's declared schema:
// required fields must be present, types (where checkable on an untyped
// map[string]any bag) must match, and any CustomValidate hook must pass.
// Defaults are NOT applied here; CreateState applies them after validation
// succeeds.
func (r *Registry) ValidateParams(workflowType string, params map[string]any) error {
	f, err := r.Get(workflowType)
	if err != nil {
		return err
	}
	return validateAgainstSchema(f.Meta, params)
}

func validateAgainstSchema(meta Metadata, params map[string]any) error {
	for _, def := range meta.Params {
		v, present := params[def.Name]
		if !present {
			if def.Required {
				return &ErrInvalidParams{Type: meta.Name, Reason: fmt.Sprintf("missing required param %q", def.Name)}
			}
			continue
		}
		if err := checkType(def, v); err != nil {
			return &ErrInvalidParams{Type: meta.Name, Reason: err.Error()}
		}
		if def.CustomValidate != nil {
			if err := def.CustomValidate(v); err != nil {
				return &ErrInvalidParams{Type: meta.Name, Reason: fmt.Sprintf("%s: %v", def.Name, err)}
			}
		}
	}
	return nil
}

func checkType(def ParamDefinition, v any) error {
	switch def.Type {
	case ParamString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s: expected string, got %T", def.Name, v)
		}
	case ParamInt:
		switch v.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("%s: expected int, got %T", def.Name, v)
		}
	case ParamBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected bool, got %T", def.Name, v)
		}
	case ParamList:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("%s: expected array, got %T", def.Name, v)
		}
	case ParamObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("%s: expected object, got %T", def.Name, v)
		}
	}
	return nil
}

// CreateState validates params against the factory's schema, applies
// declared defaults for any missing optional field, and builds the initial
// State for a new run. It always validates first: invalid input returns
// ErrInvalidParams and no state is produced.
func (r *Registry) CreateState(workflowType, taskID, mode string, params map[string]any) (State, error) {
	f, err := r.Get(workflowType)
	if err != nil {
		return nil, err
	}
	if err := validateAgainstSchema(f.Meta, params); err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(params))
	for _, def := range f.Meta.Params {
		if def.Default != nil {
			merged[def.Name] = def.Default
		}
	}
	for k, v := range params {
		merged[k] = v
	}
	state := NewBaseState(taskID, workflowType, mode)
	for k, v := range merged {
		state[k] = v
	}
	return state, nil
}

// CreateGraph validates params and builds a fresh graph.Engine for one run
// of the named workflow, along with the merged channel declarations its
// reducer was compiled from. emitter receives this run's observability
// events; pass emit.NewNullEmitter() for callers that don't care.
func (r *Registry) CreateGraph(workflowType string, params map[string]any, emitter emit.Emitter) (*graph.Engine[State], Channels, error) {
	f, err := r.Get(workflowType)
	if err != nil {
		return nil, nil, err
	}
	if err := validateAgainstSchema(f.Meta, params); err != nil {
		return nil, nil, err
	}
	return f.Build(params, emitter)
}
