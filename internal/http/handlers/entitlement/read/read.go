// Package read реализует HTTP-обработчик получения подписки пользователя.
package read

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/access-expiry/internal/http/response"
	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
	"github.com/magabrotheeeer/access-expiry/internal/models"
)

// Service чтение записи подписки.
type Service interface {
	Read(ctx context.Context, userID int64) (*models.Entitlement, error)
}

// Handler GET /api/v1/entitlements/{user_id}.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создаёт Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Получить подписку пользователя
// @Tags Entitlements
// @Produce  json
// @Param user_id path int true "ID пользователя"
// @Success 200 {object} response.Response "Подписка"
// @Failure 400 {object} response.Response "Некорректный user_id"
// @Failure 404 {object} response.Response "Подписка не найдена"
// @Failure 500 {object} response.Response "Ошибка сервера"
// @Router /entitlements/{user_id} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.read"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil {
		log.Error("failed to decode user_id from url", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode user_id from url"))
		return
	}

	ent, err := h.service.Read(r.Context(), userID)
	if errors.Is(err, models.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, response.Error("entitlement not found"))
		return
	}
	if err != nil {
		log.Error("failed to read entitlement", sl.UserID(userID), sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not read entitlement"))
		return
	}

	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"entitlement": ent,
		"active":      ent.Active(time.Now()),
	}))
}
