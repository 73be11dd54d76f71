package tariffs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTariffsHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	New().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/tariffs", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Tariffs []Item `json:"tariffs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "OK", body.Status)
	require.Len(t, body.Data.Tariffs, 6)

	assert.Equal(t, Item{Payload: "month_basic", Tier: "basic", Term: "month", Days: 30, Price: 300000, Currency: "KGS"}, body.Data.Tariffs[0])
	assert.Equal(t, Item{Payload: "month3_premium", Tier: "premium", Term: "month3", Days: 90, Price: 1250000, Currency: "KGS"}, body.Data.Tariffs[5])
}
