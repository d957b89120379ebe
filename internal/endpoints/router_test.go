package endpoints

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/prebuilt"
)

func TestStatusHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewStatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Contains(t, response, "timestamp")
}

func TestPrebuiltInfoHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewPrebuiltInfoHandler(prebuilt.NewGenerator(true)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info/prebuilt", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Enabled  bool                `json:"enabled"`
		UseCases map[string][]string `json:"use_cases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	assert.Contains(t, resp.UseCases["ad-selection"], "highest-bid-wins")
	assert.Contains(t, resp.UseCases["ad-selection-from-outcomes"], "waterfall-mediation-truncation")

	rec = httptest.NewRecorder()
	NewPrebuiltInfoHandler(prebuilt.NewGenerator(false)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info/prebuilt", nil))
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func TestRouterMethodsAndOptionalRoutes(t *testing.T) {
	router := NewRouter(Handlers{
		Auction: NewAuctionHandler(&mockRunner{}),
		Status:  NewStatusHandler(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/auction", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// override routes are absent unless a handler is given
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/overrides/bidding", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
