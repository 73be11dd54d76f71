// Package tariffs отдаёт каталог тарифов.
package tariffs

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/access-expiry/internal/http/response"
	"github.com/magabrotheeeer/access-expiry/internal/tariff"
)

// Item элемент каталога.
type Item struct {
	Payload  string `json:"payload"`
	Tier     string `json:"tier"`
	Term     string `json:"term"`
	Days     int    `json:"days"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
}

// Handler GET /api/v1/tariffs.
type Handler struct{}

// New создаёт Handler.
func New() *Handler {
	return &Handler{}
}

// ServeHTTP godoc
// @Summary Каталог тарифов
// @Tags Tariffs
// @Produce  json
// @Success 200 {object} response.Response "Тарифы"
// @Router /tariffs [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	all := tariff.All()
	items := make([]Item, 0, len(all))
	for _, t := range all {
		items = append(items, Item{
			Payload:  t.Payload(),
			Tier:     t.Tier.String(),
			Term:     t.Term.String(),
			Days:     int(t.Duration().Hours() / 24),
			Price:    t.Price(),
			Currency: tariff.Currency,
		})
	}
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"tariffs": items,
	}))
}
