// Package httpapi implements the HTTP edge (spec §6.1-6.3): task
// create/status/result/cancel, routed with go-chi and CORS-wrapped,
// translating the apperr taxonomy into the status codes §6.1 names.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/contentforge/orchestrator/apperr"
	"github.com/contentforge/orchestrator/executor"
	"github.com/contentforge/orchestrator/scheduler"
	"github.com/contentforge/orchestrator/task"
)

// Server wires task creation/status/result/cancel routes over an Executor
// (sync path) and a Scheduler (async path).
type Server struct {
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Repo      task.Repository
}

// Router builds the chi router spec §6.1-6.3 names.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Post("/tasks", s.createTask)
	r.Get("/tasks/{taskID}", s.getStatus)
	r.Get("/tasks/{taskID}/result", s.getResult)
	r.Post("/tasks/{taskID}/cancel", s.cancelTask)
	return r
}

type createTaskRequest struct {
	WorkflowType   string         `json:"workflow_type"`
	Mode           string         `json:"mode"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key"`
	Priority       int            `json:"priority"`
	ScheduleAt     *time.Time     `json:"schedule_at"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindInvalidParams, "malformed JSON body"))
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	mode := task.ModeSync
	if req.Mode == "async" {
		mode = task.ModeAsync
	}

	if mode == task.ModeAsync {
		var (
			t   task.Task
			err error
		)
		if req.ScheduleAt != nil && req.ScheduleAt.After(time.Now()) {
			t, err = s.Scheduler.ScheduleDelayedTask(r.Context(), req.WorkflowType, req.Params, req.Priority, time.Until(*req.ScheduleAt))
		} else {
			t, err = s.Scheduler.ScheduleTask(r.Context(), req.WorkflowType, req.Params, req.Priority)
		}
		if err != nil {
			writeError(w, toAppErr(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.TaskID, "status": t.Status})
		return
	}

	result, err := s.Executor.Execute(r.Context(), executor.Request{
		IdempotencyKey: req.IdempotencyKey,
		WorkflowType:   req.WorkflowType,
		Mode:           mode,
		Priority:       req.Priority,
		Params:         req.Params,
	})
	if err != nil {
		writeError(w, toAppErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": result.TaskID, "status": result.Status})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, ok, err := s.Repo.FindByID(r.Context(), taskID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorageError, err, "failed to read task"))
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.KindInvalidRoute, "task not found").WithTask(taskID))
		return
	}
	resp := map[string]any{
		"task_id":       t.TaskID,
		"status":        t.Status,
		"current_step":  t.CurrentStep,
		"workflow_type": t.WorkflowType,
		"created_at":    t.CreatedAt,
	}
	if t.StartedAt != nil {
		resp["started_at"] = *t.StartedAt
	}
	if t.CompletedAt != nil {
		resp["completed_at"] = *t.CompletedAt
	}
	if t.ErrorMessage != "" {
		resp["error_message"] = apperr.Scrub(t.ErrorMessage)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, ok, err := s.Repo.FindByID(r.Context(), taskID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorageError, err, "failed to read task"))
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.KindInvalidRoute, "task not found").WithTask(taskID))
		return
	}
	if t.Status != task.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]any{"task_id": taskID, "message": "task has not completed"})
		return
	}
	results, err := s.Repo.FindResults(r.Context(), taskID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorageError, err, "failed to read results"))
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"result_type": res.ResultType,
			"content":     res.Content,
			"file_path":   res.FilePath,
			"metadata":    res.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "results": out})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	cancelled, err := s.Executor.Cancel(r.Context(), taskID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorageError, err, "failed to cancel task"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func toAppErr(err error) *apperr.Error {
	if ae, ok := err.(*apperr.Error); ok {
		return ae
	}
	return apperr.Wrap(apperr.KindStorageError, err, "internal error")
}

func writeError(w http.ResponseWriter, err *apperr.Error) {
	writeJSON(w, err.Kind.HTTPStatus(), map[string]any{
		"kind":    err.Kind,
		"message": apperr.Scrub(err.Message),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
