// Package workflows holds the built-in workflow definitions registered at
// process start: content-creator (producer -> quality-check -> post-process)
// and research-brief, proving the registry's pluggability (spec §4.2).
package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/graph/store"
	"github.com/contentforge/orchestrator/quality"
	"github.com/contentforge/orchestrator/workflow"
)

var paramValidator = validator.New()

// contentCreatorParams is the typed, struct-tag-validated view of the
// dynamic params map content-creator accepts; workflow.Registry's own
// validateAgainstSchema already checked required/type, so this pass only
// enforces richer constraints (min length, oneof) validator/v10 covers well
// on a concrete struct that a dynamic map schema cannot express.
type contentCreatorParams struct {
	Topic           string   `validate:"required,min=3"`
	Requirements    string   `validate:"omitempty"`
	HardConstraints []string `validate:"omitempty,dive,min=1"`
	Tone            string   `validate:"omitempty,oneof=formal casual technical"`
}

// ContentCreatorFactory builds the content-creator workflow: a producer
// node drafts content from a topic/requirements brief, a quality-check node
// scores it against hard and soft constraints (retrying the producer up to
// max_retries on failure), and a post-process node finalizes the output
// channel.
func ContentCreatorFactory(chatModel model.ChatModel, pipeline *quality.Pipeline, maxRetries int) workflow.Factory {
	return workflow.Factory{
		Meta: workflow.Metadata{
			Name:        "content-creator",
			Description: "Draft content from a topic brief and iterate until it clears the quality gate.",
			Tags:        []string{"content", "llm"},
			Params: []workflow.ParamDefinition{
				{Name: "topic", Type: workflow.ParamString, Required: true, Description: "subject to write about"},
				{Name: "requirements", Type: workflow.ParamString, Required: false, Description: "free-form brief the draft must satisfy"},
				{Name: "hardConstraints", Type: workflow.ParamList, Required: false, Description: "keywords/phrases that must appear"},
				{Name: "tone", Type: workflow.ParamString, Required: false, Default: "formal", Description: "formal | casual | technical"},
				{
					Name: "maxRetries", Type: workflow.ParamInt, Required: false, Default: maxRetries,
					Description: "quality-gate retry budget for this run",
				},
			},
		},
		Build: func(params map[string]any, emitter emit.Emitter) (*graph.Engine[workflow.State], workflow.Channels, error) {
			if err := validateContentCreatorParams(params); err != nil {
				return nil, nil, err
			}

			channels := workflow.Channels{
				"topic":            workflow.ChannelSpec{},
				"requirements":     workflow.ChannelSpec{},
				"hardConstraints":  workflow.ChannelSpec{},
				"tone":             workflow.ChannelSpec{Default: func() any { return "formal" }},
				"draft":            workflow.ChannelSpec{},
				"output":           workflow.ChannelSpec{},
				"quality_report":   workflow.ChannelSpec{},
				"attempt":          workflow.ChannelSpec{Reduce: workflow.CounterReduce},
			}

			engine, merged := workflow.NewEngine(channels, store.NewMemStore[workflow.State](), emitter)

			producer := &producerNode{model: chatModel}
			checker := &qualityCheckNode{pipeline: pipeline, maxRetries: intParam(params, "maxRetries", maxRetries)}
			finalizer := &postProcessNode{}

			if err := engine.Add("producer", producer); err != nil {
				return nil, nil, err
			}
			if err := engine.Add("quality_check", checker); err != nil {
				return nil, nil, err
			}
			if err := engine.Add("post_process", finalizer); err != nil {
				return nil, nil, err
			}
			if err := engine.StartAt("producer"); err != nil {
				return nil, nil, err
			}
			if err := engine.Connect("producer", "quality_check", nil); err != nil {
				return nil, nil, err
			}
			if err := engine.Connect("quality_check", "producer", retryPredicate); err != nil {
				return nil, nil, err
			}
			if err := engine.Connect("quality_check", "post_process", passPredicate); err != nil {
				return nil, nil, err
			}

			return engine, merged, nil
		},
	}
}

func validateContentCreatorParams(params map[string]any) error {
	var hc []string
	if raw, ok := params["hardConstraints"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				hc = append(hc, s)
			}
		}
	}
	p := contentCreatorParams{
		Topic:           stringParam(params, "topic"),
		Requirements:    stringParam(params, "requirements"),
		HardConstraints: hc,
		Tone:            stringParam(params, "tone"),
	}
	if err := paramValidator.Struct(p); err != nil {
		return fmt.Errorf("content-creator: %w", err)
	}
	return nil
}

// producerNode drafts or redrafts content based on the topic/requirements
// and, on a retry, the previous quality report's suggestions.
type producerNode struct {
	model model.ChatModel
}

func (n *producerNode) Run(ctx context.Context, state workflow.State) graph.NodeResult[workflow.State] {
	topic := state.String("topic")
	requirements := state.String("requirements")
	tone := state.String("tone")

	var sb strings.Builder
	sb.WriteString("Write content about: ")
	sb.WriteString(topic)
	if requirements != "" {
		sb.WriteString("\nRequirements: ")
		sb.WriteString(requirements)
	}
	sb.WriteString("\nTone: ")
	sb.WriteString(tone)
	if report, ok := state["quality_report"].(map[string]any); ok {
		if suggestions, ok := report["fix_suggestions"].([]any); ok && len(suggestions) > 0 {
			sb.WriteString("\nAddress this feedback from the previous draft:")
			for _, s := range suggestions {
				fmt.Fprintf(&sb, "\n- %v", s)
			}
		}
	}

	out, err := n.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You are a precise content writer."},
		{Role: model.RoleUser, Content: sb.String()},
	}, nil)
	if err != nil {
		return graph.NodeResult[workflow.State]{Err: &graph.NodeError{Message: err.Error(), Code: "provider_error", NodeID: "producer", Cause: err}}
	}

	return graph.NodeResult[workflow.State]{
		Delta: workflow.State{"draft": out.Text, "current_step": "producer"},
		Route: graph.Goto("quality_check"),
	}
}

// qualityCheckNode runs the hard+soft quality pipeline against the latest
// draft and routes back to the producer (if budget remains) or forward to
// post-process.
type qualityCheckNode struct {
	pipeline   *quality.Pipeline
	maxRetries int
}

func (n *qualityCheckNode) Run(ctx context.Context, state workflow.State) graph.NodeResult[workflow.State] {
	draft := state.String("draft")
	requirements := state.String("requirements")

	// Copy the shared pipeline so per-run keyword overrides never race
	// concurrent runs mutating the same *quality.Pipeline.
	runPipeline := *n.pipeline
	if raw, ok := state["hardConstraints"].([]any); ok {
		var hc []string
		for _, v := range raw {
			if s, ok := v.(string); ok {
				hc = append(hc, s)
			}
		}
		runPipeline.Rules.Keywords = hc
	}

	report, err := runPipeline.Evaluate(ctx, draft, requirements, "content-creator-draft")
	if err != nil {
		return graph.NodeResult[workflow.State]{Err: &graph.NodeError{Message: err.Error(), Code: "provider_error", NodeID: "quality_check", Cause: err}}
	}

	delta := workflow.State{
		"quality_report": map[string]any{
			"passed":          report.Passed,
			"score":           report.Score,
			"fix_suggestions": toAnySlice(report.FixSuggestions),
		},
		"current_step": "quality_check",
	}

	attempt := state.Int("attempt") + 1
	if report.Passed || attempt > n.maxRetries {
		if report.Passed {
			delta["output"] = draft
		}
		return graph.NodeResult[workflow.State]{Delta: delta, Route: graph.Goto("post_process")}
	}
	delta["attempt"] = attempt // CounterReduce keeps this running total
	return graph.NodeResult[workflow.State]{Delta: delta, Route: graph.Goto("producer")}
}

func retryPredicate(state workflow.State) bool {
	report, _ := state["quality_report"].(map[string]any)
	passed, _ := report["passed"].(bool)
	return !passed && state.Int("attempt") < 1000 // upper bound only guards against malformed state; maxRetries is enforced in-node
}

func passPredicate(state workflow.State) bool {
	return !retryPredicate(state)
}

// postProcessNode finalizes the output channel once quality-check accepts a
// draft, or the retry budget is exhausted.
type postProcessNode struct{}

func (n *postProcessNode) Run(ctx context.Context, state workflow.State) graph.NodeResult[workflow.State] {
	output := state.String("output")
	if output == "" {
		return graph.NodeResult[workflow.State]{
			Err: &graph.NodeError{Message: "quality gate exhausted without an accepted draft", Code: "quality_exhausted", NodeID: "post_process"},
		}
	}
	return graph.NodeResult[workflow.State]{
		Delta: workflow.State{"output": strings.TrimSpace(output), "current_step": "post_process"},
		Route: graph.Stop(),
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
