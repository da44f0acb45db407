package workflows

import (
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/graph/tool"
	"github.com/contentforge/orchestrator/quality"
	"github.com/contentforge/orchestrator/workflow"
)

// DefaultMaxRetries bounds content-creator's quality-gate retry loop.
const DefaultMaxRetries = 3

// RegisterBuiltins registers every built-in workflow definition on reg. It
// is the single place new workflows are wired into a running process.
func RegisterBuiltins(reg *workflow.Registry, chatModel model.ChatModel, pipeline *quality.Pipeline, searchTool tool.Tool) error {
	if err := reg.Register(ContentCreatorFactory(chatModel, pipeline, DefaultMaxRetries)); err != nil {
		return err
	}
	return reg.Register(ResearchBriefFactory(chatModel, searchTool))
}
