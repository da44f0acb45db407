// Package cli implements the contentctl command surface (spec §6.4):
// create/status/result/cancel, kebab-case flags mapped onto camelCase
// workflow parameters, and exit codes drawn from the apperr taxonomy.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/contentforge/orchestrator/apperr"
	"github.com/contentforge/orchestrator/executor"
	"github.com/contentforge/orchestrator/scheduler"
	"github.com/contentforge/orchestrator/task"
	"github.com/contentforge/orchestrator/workflow"
)

// App holds the dependencies every subcommand needs.
type App struct {
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Repo      task.Repository
	Registry  *workflow.Registry
	Stdout    io.Writer
	Stderr    io.Writer
}

// Run dispatches argv[0] as a subcommand name. Returns the process exit
// code the caller should use.
func (a *App) Run(ctx context.Context, argv []string) int {
	if len(argv) == 0 {
		fmt.Fprintln(a.Stderr, "usage: contentctl <create|status|result|cancel> [flags]")
		return 1
	}
	switch argv[0] {
	case "create":
		return a.create(ctx, argv[1:])
	case "status":
		return a.status(ctx, argv[1:])
	case "result":
		return a.result(ctx, argv[1:])
	case "cancel":
		return a.cancel(ctx, argv[1:])
	case "help", "--help", "-h":
		a.help()
		return 0
	default:
		fmt.Fprintf(a.Stderr, "unknown command %q\n", argv[0])
		return 1
	}
}

type paramFlags struct {
	values []string
}

func (p *paramFlags) String() string { return strings.Join(p.values, ",") }
func (p *paramFlags) Set(v string) error {
	p.values = append(p.values, v)
	return nil
}

func (a *App) create(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	workflowType := fs.String("workflow-type", "", "registered workflow type")
	mode := fs.String("mode", "sync", "sync|async")
	idempotencyKey := fs.String("idempotency-key", "", "optional idempotency key")
	priority := fs.Int("priority", 5, "priority 1 (highest) .. 10 (lowest)")
	callbackURL := fs.String("callback-url", "", "optional webhook callback URL")
	var params paramFlags
	fs.Var(&params, "param", "workflow parameter as key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *workflowType == "" {
		fmt.Fprintln(a.Stderr, "--workflow-type is required")
		return 2
	}

	meta, err := a.Registry.GetMetadata(*workflowType)
	if err != nil {
		fmt.Fprintln(a.Stderr, err)
		return 3
	}
	paramMap, err := mapParams(meta, params.values)
	if err != nil {
		fmt.Fprintln(a.Stderr, err)
		return 2
	}
	_ = callbackURL // webhook registration is out of band (POST /tasks carries it over HTTP, not CLI, per §6.1)

	if *mode == "async" {
		t, err := a.Scheduler.ScheduleTask(ctx, *workflowType, paramMap, *priority)
		if err != nil {
			return a.reportErr(err)
		}
		fmt.Fprintf(a.Stdout, "task_id=%s status=%s\n", t.TaskID, t.Status)
		return 0
	}

	result, err := a.Executor.Execute(ctx, executor.Request{
		IdempotencyKey: *idempotencyKey,
		WorkflowType:   *workflowType,
		Mode:           task.ModeSync,
		Priority:       *priority,
		Params:         paramMap,
	})
	if err != nil {
		return a.reportErr(err)
	}
	fmt.Fprintf(a.Stdout, "task_id=%s status=%s\n", result.TaskID, result.Status)
	if result.Status == executor.StatusFailed {
		return 4
	}
	return 0
}

func (a *App) status(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	taskID := fs.String("task-id", "", "task id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	t, ok, err := a.Repo.FindByID(ctx, *taskID)
	if err != nil || !ok {
		fmt.Fprintln(a.Stderr, "task not found")
		return 1
	}
	fmt.Fprintf(a.Stdout, "task_id=%s status=%s current_step=%s workflow_type=%s\n", t.TaskID, t.Status, t.CurrentStep, t.WorkflowType)
	return 0
}

func (a *App) result(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("result", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	taskID := fs.String("task-id", "", "task id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	t, ok, err := a.Repo.FindByID(ctx, *taskID)
	if err != nil || !ok || t.Status != task.StatusCompleted {
		fmt.Fprintln(a.Stderr, "result not ready")
		return 1
	}
	results, err := a.Repo.FindResults(ctx, *taskID)
	if err != nil {
		fmt.Fprintln(a.Stderr, err)
		return 1
	}
	for _, r := range results {
		fmt.Fprintf(a.Stdout, "[%s] %s\n", r.ResultType, r.Content)
	}
	return 0
}

func (a *App) cancel(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	taskID := fs.String("task-id", "", "task id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cancelled, err := a.Executor.Cancel(ctx, *taskID)
	if err != nil {
		fmt.Fprintln(a.Stderr, err)
		return 1
	}
	if !cancelled {
		fmt.Fprintln(a.Stdout, "cancelled=false")
		return 1
	}
	fmt.Fprintln(a.Stdout, "cancelled=true")
	return 0
}

func (a *App) help() {
	fmt.Fprintln(a.Stdout, "contentctl commands:")
	for _, meta := range a.Registry.List() {
		fmt.Fprintf(a.Stdout, "\n  %s - %s\n", meta.Name, meta.Description)
		for _, p := range meta.Params {
			req := ""
			if p.Required {
				req = " (required)"
			}
			fmt.Fprintf(a.Stdout, "    --param %s=<%s>%s  %s\n", kebab(p.Name), p.Type, req, p.Description)
		}
	}
}

func (a *App) reportErr(err error) int {
	ae, ok := err.(*apperr.Error)
	if !ok {
		fmt.Fprintln(a.Stderr, err)
		return 1
	}
	fmt.Fprintln(a.Stderr, apperr.Scrub(ae.Error()))
	return ae.Kind.CLIExitCode()
}

// mapParams converts repeated --param kebab-case=value flags into the
// camelCase workflow parameter map, parsing scalars per the declared type.
func mapParams(meta workflow.Metadata, raw []string) (map[string]any, error) {
	byCamel := make(map[string]workflow.ParamDefinition, len(meta.Params))
	for _, p := range meta.Params {
		byCamel[kebab(p.Name)] = p
	}

	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("--param must be key=value, got %q", kv)
		}
		key, value := parts[0], parts[1]
		def, ok := byCamel[key]
		if !ok {
			// Unknown flag name: pass through as a raw string under its
			// camelCase form so forward-compatible params still reach the
			// workflow; validation happens downstream in CreateState.
			out[camel(key)] = value
			continue
		}
		parsed, err := parseScalar(def, value)
		if err != nil {
			return nil, err
		}
		out[def.Name] = parsed
	}
	return out, nil
}

func parseScalar(def workflow.ParamDefinition, value string) (any, error) {
	switch def.Type {
	case workflow.ParamInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("--param %s: expected int, got %q", kebab(def.Name), value)
		}
		return n, nil
	case workflow.ParamBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("--param %s: expected bool, got %q", kebab(def.Name), value)
		}
		return b, nil
	case workflow.ParamList:
		if value == "" {
			return []any{}, nil
		}
		items := strings.Split(value, ",")
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it
		}
		return out, nil
	default:
		return value, nil
	}
}

func kebab(camelCase string) string {
	var b strings.Builder
	for i, r := range camelCase {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func camel(kebabCase string) string {
	parts := strings.Split(kebabCase, "-")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}
