package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ramiqadoumi/genflow/internal/ratelimit"
	"github.com/ramiqadoumi/genflow/services/api-gateway/middleware"
)

// maxBody caps submit request bodies.
const maxBody = 1 << 20

// NewRouter mounts the REST surface. Only the submit routes consume quota;
// polling, listing and quota introspection are free.
func NewRouter(h *REST, guard *ratelimit.Guard, logger *slog.Logger) http.Handler {
	limit := ratelimit.Middleware(guard, middleware.Partition, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(maxBody))
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireIdentity)
		r.With(limit).Post("/generations", h.SubmitGeneration)
		r.With(limit).Post("/refinements", h.SubmitRefinement)
		r.With(ExportFormat, limit).Post("/exports/{format}", h.SubmitExport)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/quota", h.Quota)
	})
	return r
}
