package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/graph/store"
	"github.com/contentforge/orchestrator/graph/tool"
	"github.com/contentforge/orchestrator/workflow"
)

// ResearchBriefFactory builds a second, independent workflow — gather ->
// summarize — proving the registry holds more than one pluggable workflow
// definition (spec §4.2). gather calls a search tool; summarize drafts a
// brief from the results.
func ResearchBriefFactory(chatModel model.ChatModel, searchTool tool.Tool) workflow.Factory {
	return workflow.Factory{
		Meta: workflow.Metadata{
			Name:        "research-brief",
			Description: "Search a topic and produce a short cited brief.",
			Tags:        []string{"research", "llm", "tools"},
			Params: []workflow.ParamDefinition{
				{Name: "query", Type: workflow.ParamString, Required: true, Description: "research question"},
				{Name: "maxSources", Type: workflow.ParamInt, Required: false, Default: 5, Description: "max search results to consider"},
			},
		},
		Build: func(params map[string]any, emitter emit.Emitter) (*graph.Engine[workflow.State], workflow.Channels, error) {
			if stringParam(params, "query") == "" {
				return nil, nil, fmt.Errorf("research-brief: query is required")
			}
			channels := workflow.Channels{
				"query":       workflow.ChannelSpec{},
				"maxSources":  workflow.ChannelSpec{Default: func() any { return 5 }},
				"sources":     workflow.ChannelSpec{Reduce: workflow.AppendListReduce},
				"output":      workflow.ChannelSpec{},
			}
			engine, merged := workflow.NewEngine(channels, store.NewMemStore[workflow.State](), emitter)

			if err := engine.Add("gather", &gatherNode{search: searchTool}); err != nil {
				return nil, nil, err
			}
			if err := engine.Add("summarize", &summarizeNode{model: chatModel}); err != nil {
				return nil, nil, err
			}
			if err := engine.StartAt("gather"); err != nil {
				return nil, nil, err
			}
			if err := engine.Connect("gather", "summarize", nil); err != nil {
				return nil, nil, err
			}
			return engine, merged, nil
		},
	}
}

type gatherNode struct {
	search tool.Tool
}

func (n *gatherNode) Run(ctx context.Context, state workflow.State) graph.NodeResult[workflow.State] {
	query := state.String("query")
	maxSources := state.Int("maxSources")
	if maxSources == 0 {
		maxSources = 5
	}

	result, err := n.search.Call(ctx, map[string]any{"query": query, "limit": maxSources})
	if err != nil {
		return graph.NodeResult[workflow.State]{Err: &graph.NodeError{Message: err.Error(), Code: "provider_error", NodeID: "gather", Cause: err}}
	}

	return graph.NodeResult[workflow.State]{
		Delta: workflow.State{"sources": []any{result}, "current_step": "gather"},
		Route: graph.Goto("summarize"),
	}
}

type summarizeNode struct {
	model model.ChatModel
}

func (n *summarizeNode) Run(ctx context.Context, state workflow.State) graph.NodeResult[workflow.State] {
	query := state.String("query")
	var sb strings.Builder
	sb.WriteString("Summarize research findings into a short cited brief.\nQuestion: ")
	sb.WriteString(query)
	sb.WriteString("\nSources:\n")
	if sources, ok := state["sources"].([]any); ok {
		for _, s := range sources {
			fmt.Fprintf(&sb, "- %v\n", s)
		}
	}

	out, err := n.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You write concise, well-cited research briefs."},
		{Role: model.RoleUser, Content: sb.String()},
	}, nil)
	if err != nil {
		return graph.NodeResult[workflow.State]{Err: &graph.NodeError{Message: err.Error(), Code: "provider_error", NodeID: "summarize", Cause: err}}
	}

	return graph.NodeResult[workflow.State]{
		Delta: workflow.State{"output": out.Text, "current_step": "summarize"},
		Route: graph.Stop(),
	}
}
