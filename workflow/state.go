// Package workflow defines the pluggable workflow registry and the shared
// channel-based state that flows through every graph run.
package workflow

import (
	"encoding/json"
	"time"
)

// State is the JSON-serializable mapping from channel names to values that
// flows through a graph run. Every workflow extends the base shape declared
// here with workflow-specific channels.
//
// State must round-trip through serialization: no functions, no cycles, only
// values that survive a JSON marshal/unmarshal.
type State map[string]any

// Base channel names shared by every workflow.
const (
	ChanTaskID       = "task_id"
	ChanWorkflowType = "workflow_type"
	ChanMode         = "mode"
	ChanCurrentStep  = "current_step"
	ChanRetryCount   = "retry_count"
	ChanVersion      = "version"
	ChanStartTime    = "start_time"
	ChanMetadata     = "metadata"
	ChanError        = "error"
)

// NewBaseState builds the base shape every workflow state starts from.
func NewBaseState(taskID, workflowType, mode string) State {
	return State{
		ChanTaskID:       taskID,
		ChanWorkflowType: workflowType,
		ChanMode:         mode,
		ChanCurrentStep:  "",
		ChanRetryCount:   0,
		ChanVersion:      0,
		ChanStartTime:    time.Now().UTC().Format(time.RFC3339Nano),
		ChanMetadata:     map[string]any{},
	}
}

// Clone returns a deep-enough copy of the state for isolating a node's view
// from concurrent mutation of the caller's map. Values are round-tripped
// through JSON, which matches the serializability invariant the state must
// already satisfy.
func (s State) Clone() (State, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := make(State, len(s))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// String reads a string-valued channel, returning "" if absent or of the
// wrong type.
func (s State) String(channel string) string {
	v, ok := s[channel]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Int reads a numeric channel as an int. JSON-decoded numbers arrive as
// float64, so both representations are accepted.
func (s State) Int(channel string) int {
	v, ok := s[channel]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// TaskID returns the task_id channel.
func (s State) TaskID() string { return s.String(ChanTaskID) }

// CurrentStep returns the current_step channel.
func (s State) CurrentStep() string { return s.String(ChanCurrentStep) }

// RetryCount returns the retry_count channel.
func (s State) RetryCount() int { return s.Int(ChanRetryCount) }

// HasError reports whether the error channel is set to a non-empty value.
func (s State) HasError() bool {
	return s.String(ChanError) != ""
}
