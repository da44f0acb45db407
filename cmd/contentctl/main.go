// Command contentctl is the CLI surface over the orchestrator (spec §6.4):
// create/status/result/cancel against a local task repository, registry,
// executor, and scheduler — no HTTP server required.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/contentforge/orchestrator/cli"
	"github.com/contentforge/orchestrator/config"
	"github.com/contentforge/orchestrator/executor"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/graph/model/anthropic"
	"github.com/contentforge/orchestrator/graph/tool"
	"github.com/contentforge/orchestrator/queue"
	"github.com/contentforge/orchestrator/quality"
	"github.com/contentforge/orchestrator/scheduler"
	"github.com/contentforge/orchestrator/task"
	"github.com/contentforge/orchestrator/workflow"
	"github.com/contentforge/orchestrator/workflows"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()
	args := flag.Args()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, repoCloser, err := task.OpenRepository(ctx, cfg.DatabaseType, cfg.SQLitePath, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open task repository:", err)
		os.Exit(1)
	}
	if repoCloser != nil {
		defer repoCloser.Close()
	}
	registry := workflow.NewRegistry()

	var chatModel model.ChatModel = anthropic.NewChatModel(cfg.AnthropicAPIKey, "")
	searchTool := tool.NewHTTPTool()
	cache := quality.NewCache(cfg.QualityCacheSize, cfg.QualityCacheTTL)
	evaluator := quality.NewEvaluator(chatModel)
	evaluator.Threshold = cfg.QualitySoftThreshold
	pipeline := quality.NewPipeline(quality.HardRules{}, evaluator, cache)

	if err := workflows.RegisterBuiltins(registry, chatModel, pipeline, searchTool); err != nil {
		fmt.Fprintln(os.Stderr, "failed to register workflows:", err)
		os.Exit(1)
	}

	emitter := emit.NewLogEmitter(os.Stderr, false)
	exec := executor.New(registry, repo, emitter)

	q, err := queue.Open(queue.Config{RedisURL: cfg.RedisURL, DataDir: cfg.DataDir})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open queue:", err)
		os.Exit(1)
	}
	defer q.Close()
	sched := scheduler.New(q, repo, logger)

	if err := sched.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start scheduler:", err)
		os.Exit(1)
	}
	defer sched.Stop(ctx)

	app := &cli.App{
		Executor:  exec,
		Scheduler: sched,
		Repo:      repo,
		Registry:  registry,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
	os.Exit(app.Run(ctx, args))
}
