// Command server runs the HTTP edge (spec §6.1-6.3) over the synchronous
// executor, and starts the queue-backed worker pool, scheduler, and webhook
// dispatcher in-process for async mode.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/contentforge/orchestrator/config"
	"github.com/contentforge/orchestrator/executor"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/graph/model/anthropic"
	"github.com/contentforge/orchestrator/graph/tool"
	"github.com/contentforge/orchestrator/httpapi"
	"github.com/contentforge/orchestrator/queue"
	"github.com/contentforge/orchestrator/quality"
	"github.com/contentforge/orchestrator/scheduler"
	"github.com/contentforge/orchestrator/task"
	"github.com/contentforge/orchestrator/webhook"
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
	logger := newSlogLogger(zapLogger)

	watcher, err := config.NewWatcher(*configPath, logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()
	cfg := watcher.Current()

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

	emitter := emit.NewLogEmitter(os.Stdout, true)
	exec := executor.New(registry, repo, emitter)

	q, err := queue.Open(queue.Config{RedisURL: cfg.RedisURL, DataDir: cfg.DataDir})
	if err != nil {
		logger.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	sched := scheduler.New(q, repo, logger)

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	dispatcher := webhook.New(logger)
	go dispatcher.Run(ctx)

	pool := worker.NewPool("worker", q, registry, repo, emitter, logger)
	pool.Concurrency = cfg.WorkerConcurrency
	pool.LeaseTimeout = cfg.WorkerLeaseTTL
	go pool.Run(ctx)

	server := &httpapi.Server{Executor: exec, Scheduler: sched, Repo: repo}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
}
