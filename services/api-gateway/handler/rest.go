package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/handlers"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	"github.com/ramiqadoumi/genflow/internal/ratelimit"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
	"github.com/ramiqadoumi/genflow/services/api-gateway/middleware"
)

// REST handles HTTP requests for the API Gateway.
type REST struct {
	orch   *orchestrator.Orchestrator
	guard  *ratelimit.Guard
	ready  telemetry.ReadyFunc
	logger *slog.Logger
}

// NewREST creates a new REST handler. ready backs /readyz; nil always reports
// ready.
func NewREST(orch *orchestrator.Orchestrator, guard *ratelimit.Guard, ready telemetry.ReadyFunc, logger *slog.Logger) *REST {
	return &REST{orch: orch, guard: guard, ready: ready, logger: logger}
}

// SubmitRequest is the JSON body of every submit endpoint.
type SubmitRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// SubmitResponse is the 202 response body.
type SubmitResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskResponse is the GET /tasks/{id} response body. Result and Error are
// only set once the task is terminal.
type TaskResponse struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	Result       string          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TaskListResponse is the GET /tasks response body.
type TaskListResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// SubmitGeneration handles POST /api/v1/generations.
func (h *REST) SubmitGeneration(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, handlers.KindGeneration, nil)
}

// SubmitRefinement handles POST /api/v1/refinements.
func (h *REST) SubmitRefinement(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, handlers.KindRefinement, nil)
}

// SubmitExport handles POST /api/v1/exports/{format}. The format from the
// path is written into the payload.
func (h *REST) SubmitExport(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	h.submit(w, r, handlers.KindExport, map[string]any{"format": format})
}

// ExportFormat rejects unsupported export formats before any quota is
// consumed.
func ExportFormat(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := handlers.ExportFormats[chi.URLParam(r, "format")]; !ok {
			writeError(w, http.StatusBadRequest, "unsupported export format")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *REST) submit(w http.ResponseWriter, r *http.Request, kind string, extra map[string]any) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit")
	defer span.End()
	span.SetAttributes(attribute.String("task.kind", kind))

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "field 'payload' is required")
		return
	}

	payload := req.Payload
	if len(extra) > 0 {
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			writeError(w, http.StatusBadRequest, "field 'payload' must be an object")
			return
		}
		for k, v := range extra {
			b, err := json.Marshal(v)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to build payload")
				return
			}
			fields[k] = b
		}
		b, err := json.Marshal(fields)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to build payload")
			return
		}
		payload = b
	}

	task, err := h.orch.Submit(ctx, middleware.Partition(r), kind, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		h.writeDomainError(w, err, "failed to create task")
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	h.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("kind", kind),
		slog.String("partition", ratelimit.MaskPartition(task.Owner)),
	)

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	task, err := h.orch.GetStatus(r.Context(), taskID, middleware.Partition(r))
	if err != nil {
		h.writeDomainError(w, err, "failed to retrieve task")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(task))
}

// ListTasks handles GET /api/v1/tasks?limit=&offset=.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	tasks, err := h.orch.ListByOwner(r.Context(), middleware.Partition(r), limit, offset)
	if err != nil {
		h.writeDomainError(w, err, "failed to list tasks")
		return
	}

	resp := TaskListResponse{
		Tasks:  make([]TaskResponse, 0, len(tasks)),
		Limit:  orchestrator.ListLimit(limit),
		Offset: offset,
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Quota handles GET /api/v1/quota. It reads every category without consuming
// any quota.
func (h *REST) Quota(w http.ResponseWriter, r *http.Request) {
	snap, err := h.guard.Snapshot(r.Context(), middleware.Partition(r))
	if err != nil {
		h.writeDomainError(w, err, "failed to read quota")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. It checks the task ledger and quota store.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("not ready", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "dependencies not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var (
		exceeded    *domain.LimitExceededError
		notFound    *domain.TaskNotFoundError
		unavailable *domain.BackendUnavailableError
		invalidKind *domain.InvalidTaskKindError
	)
	switch {
	case errors.As(err, &exceeded):
		ratelimit.WriteLimitExceeded(w, exceeded.Decision)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &unavailable):
		h.logger.Error("backend unavailable", slog.String("backend", unavailable.Backend), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, unavailable.Backend+" unavailable")
	case errors.As(err, &invalidKind):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(fallback, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func toResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:           t.ID,
		Owner:        t.Owner,
		Kind:         t.Kind,
		Status:       string(t.Status),
		Payload:      t.Payload,
		AttemptCount: t.AttemptCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.Status.IsTerminal() {
		resp.Result = t.Result
		resp.Error = t.Error
	}
	return resp
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
