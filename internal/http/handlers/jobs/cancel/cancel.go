// Package cancel реализует отмену отложенной задачи по идентификатору.
package cancel

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/access-expiry/internal/http/response"
	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
)

// Scheduler отменяет задачи.
type Scheduler interface {
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Handler DELETE /api/v1/jobs/{job_id}.
type Handler struct {
	log       *slog.Logger
	scheduler Scheduler
}

// New создаёт Handler.
func New(log *slog.Logger, scheduler Scheduler) *Handler {
	return &Handler{
		log:       log,
		scheduler: scheduler,
	}
}

// ServeHTTP godoc
// @Summary Отменить задачу
// @Tags Jobs
// @Produce  json
// @Param job_id path string true "ID задачи"
// @Success 200 {object} response.Response "Задача отменена"
// @Failure 404 {object} response.Response "Задача не найдена"
// @Failure 500 {object} response.Response "Ошибка хранилища"
// @Router /jobs/{job_id} [delete]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.jobs.cancel"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("job_id is required"))
		return
	}

	removed, err := h.scheduler.Cancel(r.Context(), jobID)
	if err != nil {
		log.Error("failed to cancel job", sl.JobID(jobID), sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to cancel job"))
		return
	}
	if !removed {
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, response.Error("job not found"))
		return
	}

	log.Info("job cancelled", sl.JobID(jobID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"job_id": jobID,
	}))
}
