package workflow

import "github.com/contentforge/orchestrator/graph"

// ChannelReduce merges a successive partial update into the accumulated
// value for one named channel. It must be deterministic and side-effect
// free, matching the teacher's graph.Reducer contract but scoped to a
// single channel instead of the whole state.
type ChannelReduce func(prev, next any) any

// ChannelSpec declares one state channel: its zero value and how successive
// writes combine.
type ChannelSpec struct {
	// Default produces the channel's zero value when state is first created.
	Default func() any
	// Reduce merges a new write into the previous value. If nil,
	// LastWriterWins is used.
	Reduce ChannelReduce
}

// LastWriterWins is the default channel reducer: the new value replaces the
// previous one whenever it is present (non-nil), otherwise the previous
// value is kept.
func LastWriterWins(prev, next any) any {
	if next == nil {
		return prev
	}
	return next
}

// CounterReduce implements the counter-channel semantics from spec: a
// write replaces the running total when present, otherwise the previous
// total (defaulting to zero) is kept. Handlers that want to increment a
// counter must read the previous value and write prev+delta themselves;
// the reducer only arbitrates between "a write happened" and "no write".
func CounterReduce(prev, next any) any {
	if next == nil {
		if prev == nil {
			return 0
		}
		return prev
	}
	return next
}

// AppendListReduce concatenates a new slice onto the previous slice. Both
// sides are treated as []any to stay compatible with JSON-decoded state.
func AppendListReduce(prev, next any) any {
	prevList, _ := prev.([]any)
	nextList, _ := next.([]any)
	if nextList == nil {
		return prevList
	}
	out := make([]any, 0, len(prevList)+len(nextList))
	out = append(out, prevList...)
	out = append(out, nextList...)
	return out
}

// Channels is the set of named channels a graph declares, keyed by channel
// name. Every workflow's Factory supplies one Channels set describing its
// workflow-specific fields; the base channels (task_id, version, ...) always
// use LastWriterWins except retry_count and current_step's version counter,
// which use CounterReduce.
type Channels map[string]ChannelSpec

// BaseChannels returns the reducer configuration for the channels every
// workflow state shares.
func BaseChannels() Channels {
	return Channels{
		ChanTaskID:       {Default: func() any { return "" }},
		ChanWorkflowType: {Default: func() any { return "" }},
		ChanMode:         {Default: func() any { return "sync" }},
		ChanCurrentStep:  {Default: func() any { return "" }},
		ChanRetryCount:   {Default: func() any { return 0 }, Reduce: CounterReduce},
		ChanVersion:      {Default: func() any { return 0 }, Reduce: CounterReduce},
		ChanStartTime:    {Default: func() any { return "" }},
		ChanMetadata:     {Default: func() any { return map[string]any{} }},
		ChanError:        {Default: func() any { return "" }},
	}
}

// Merge combines a workflow's declared channels with the base channels,
// the workflow's definitions taking precedence on name collision.
func (c Channels) Merge(base Channels) Channels {
	out := make(Channels, len(base)+len(c))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range c {
		out[k] = v
	}
	return out
}

// BuildReducer compiles a Channels declaration into the graph.Reducer[State]
// the engine applies after every node: for each key present in the partial
// delta, the channel's own Reduce function decides how it combines with the
// accumulated value; channels absent from the delta are left untouched.
func BuildReducer(channels Channels) graph.Reducer[State] {
	return func(prev, delta State) State {
		merged := make(State, len(prev)+len(delta))
		for k, v := range prev {
			merged[k] = v
		}
		for k, newVal := range delta {
			spec, ok := channels[k]
			reduce := LastWriterWins
			if ok && spec.Reduce != nil {
				reduce = spec.Reduce
			}
			merged[k] = reduce(merged[k], newVal)
		}
		return merged
	}
}

// Defaults materializes the zero-value state for a Channels declaration.
func (c Channels) Defaults() State {
	s := make(State, len(c))
	for name, spec := range c {
		if spec.Default != nil {
			s[name] = spec.Default()
		} else {
			s[name] = nil
		}
	}
	return s
}
