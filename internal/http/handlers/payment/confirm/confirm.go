// Package confirm реализует приём подтверждения оплаты по HTTP.
// Обработка та же, что и у потребителя очереди оплат.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/access-expiry/internal/http/response"
	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
	"github.com/magabrotheeeer/access-expiry/internal/models"
	"github.com/magabrotheeeer/access-expiry/internal/services/subscription"
	"github.com/magabrotheeeer/access-expiry/internal/tariff"
)

// Service обработка подтверждения оплаты.
type Service interface {
	ProcessPayment(ctx context.Context, ev models.PaymentEvent) (*models.Entitlement, error)
}

// Handler POST /api/v1/payments/confirmed.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создаёт Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Подтвердить оплату
// @Description Применяет успешную оплату: продлевает подписку и переставляет задачу отзыва доступа.
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param request body models.PaymentEvent true "Событие оплаты"
// @Success 200 {object} response.Response "Подписка продлена"
// @Failure 400 {object} response.Response "Некорректный JSON"
// @Failure 409 {object} response.Response "Платёж уже обработан"
// @Failure 422 {object} response.Response "Ошибка валидации или неизвестный тариф"
// @Failure 500 {object} response.Response "Ошибка хранилища"
// @Router /payments/confirmed [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.confirm"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req models.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			log.Error("validation failed", sl.Err(err))
			w.WriteHeader(http.StatusUnprocessableEntity)
			render.JSON(w, r, response.ValidationError(verrs))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	ent, err := h.service.ProcessPayment(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, tariff.ErrUnrecognizedTariff):
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("unrecognized tariff"))
		return
	case errors.Is(err, subscription.ErrInvalidEvent):
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("invalid payment event"))
		return
	case errors.Is(err, subscription.ErrDuplicatePayment):
		w.WriteHeader(http.StatusConflict)
		render.JSON(w, r, response.Error("payment already processed"))
		return
	default:
		log.Error("failed to process payment", sl.UserID(req.UserID), sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not extend entitlement"))
		return
	}

	log.Info("payment applied", sl.UserID(req.UserID), slog.String("tariff", req.TariffPayload))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"entitlement": ent,
	}))
}
