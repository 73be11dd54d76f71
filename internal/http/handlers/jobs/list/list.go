// Package list реализует просмотр отложенных задач планировщика.
package list

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/access-expiry/internal/http/response"
	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
	"github.com/magabrotheeeer/access-expiry/internal/models"
)

const defaultLimit = 10

// Scheduler источник отложенных задач.
type Scheduler interface {
	Pending(ctx context.Context, limit, offset int) ([]*models.ScheduledJob, error)
}

// Handler GET /api/v1/jobs?limit=&offset=.
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
// @Summary Список отложенных задач
// @Tags Jobs
// @Produce  json
// @Param limit query int false "Количество записей" default(10)
// @Param offset query int false "Смещение" default(0)
// @Success 200 {object} response.Response "Задачи"
// @Failure 500 {object} response.Response "Ошибка хранилища"
// @Router /jobs [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.jobs.list"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	jobs, err := h.scheduler.Pending(r.Context(), limit, offset)
	if err != nil {
		log.Error("failed to list jobs", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to list jobs"))
		return
	}

	log.Debug("list jobs", slog.Int("count", len(jobs)))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"list_count": len(jobs),
		"jobs":       jobs,
	}))
}
