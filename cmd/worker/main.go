// Command worker runs a standalone queue-backed worker pool (spec §4.8-4.9)
// against the same task repository and queue backend the server process
// uses, so server and worker can scale independently.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/contentforge/orchestrator/config"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/graph/model/anthropic"
	"github.com/contentforge/orchestrator/graph/tool"
	"github.com/contentforge/orchestrator/queue"
	"github.com/contentforge/orchestrator/quality"
	"github.com/contentforge/orchestrator/task"
	"github.com/contentforge/orchestrator/worker"
	"github.com/contentforge/orchestrator/workflow"
	"github.com/contentforge/orchestrator/workflows"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zapLogger.Sync()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	_ = zapLogger // the server process owns the shared zap core; the worker logs structured JSON directly

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.RedisURL == "" && cfg.DataDir == "" {
		logger.Error("worker requires REDIS_URL or a data dir for the embedded queue")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, repoCloser, err := task.OpenRepository(ctx, cfg.DatabaseType, cfg.SQLitePath, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open task repository", "database_type", cfg.DatabaseType, "error", err)
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
		logger.Error("failed to register workflows", "error", err)
		os.Exit(1)
	}

	q, err := queue.Open(queue.Config{RedisURL: cfg.RedisURL, DataDir: cfg.DataDir})
	if err != nil {
		logger.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	emitter := emit.NewLogEmitter(os.Stdout, true)
	pool := worker.NewPool("worker", q, registry, repo, emitter, logger)
	pool.Concurrency = cfg.WorkerConcurrency
	pool.LeaseTimeout = cfg.WorkerLeaseTTL

	logger.Info("worker pool starting", "concurrency", pool.Concurrency)
	pool.Run(ctx)
	logger.Info("worker pool stopped")
}
