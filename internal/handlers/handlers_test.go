package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-describer/internal/circuitbreaker"
	apperrors "tile-describer/internal/common/errors"
	"tile-describer/internal/compose"
	"tile-describer/internal/config"
	"tile-describer/internal/enrich"
	"tile-describer/internal/models"
)

type stubGeocoder struct {
	loc *models.Location
	err error
}

func (s *stubGeocoder) Fetch(ctx context.Context, lon, lat float64) (*models.Location, error) {
	return s.loc, s.err
}

type stubLandCover struct {
	lc  *models.LandCover
	err error
}

func (s *stubLandCover) Fetch(ctx context.Context, lon, lat float64) (*models.LandCover, error) {
	return s.lc, s.err
}

type stubDescriber struct {
	text string
	err  error
}

func (s *stubDescriber) Fetch(ctx context.Context, input enrich.DescribeInput) (string, error) {
	return s.text, s.err
}

type stubContext struct {
	res *models.Context
	err error
}

func (s *stubContext) Fetch(ctx context.Context, placeName, capturedAt string) (*models.Context, error) {
	return s.res, s.err
}

type handlerFixture struct {
	geo    *stubGeocoder
	lc     *stubLandCover
	desc   *stubDescriber
	ctxs   *stubContext
	router *mux.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	f := &handlerFixture{
		geo:  &stubGeocoder{loc: &models.Location{Country: "Italy", PlaceName: "Rome, Italy"}},
		lc:   &stubLandCover{lc: &models.LandCover{Summary: "residential area 80%"}},
		desc: &stubDescriber{text: "Ancient city fabric."},
		ctxs: &stubContext{res: &models.Context{Summary: "Found 1 items."}},
	}

	cfg := &config.Config{
		APIKey:            "secret",
		MaxThumbnailBytes: 1024,
	}
	breakers := circuitbreaker.NewRegistryWithClock(
		circuitbreaker.DefaultConfig(), nil, clockwork.NewFakeClock())
	composer := compose.New(f.geo, f.lc, f.desc, f.ctxs, breakers, nil)

	h := New(composer, f.geo, f.lc, f.desc, f.ctxs, breakers, cfg, nil)

	f.router = mux.NewRouter()
	f.router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	api := f.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/describe", h.HandleDescribe).Methods("POST")
	api.HandleFunc("/describe-image", h.HandleDescribeImage).Methods("POST")
	api.HandleFunc("/geocode", h.HandleGeocode).Methods("GET")
	api.HandleFunc("/landcover", h.HandleLandCover).Methods("GET")
	api.HandleFunc("/context", h.HandleContext).Methods("GET")
	return f
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

const validDescribeBody = `{
	"thumbnail": "aGVsbG8=",
	"coordinates": [126.97, 37.56],
	"captured_at": "2026-07-14",
	"cog_image_id": "img-1"
}`

func TestHandleDescribe_Success(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/api/describe", validDescribeBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.DescribeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Description)
	assert.Equal(t, "Ancient city fabric.", *resp.Description)
	assert.Equal(t, "Italy", resp.Location.Country)
	assert.Empty(t, resp.Warnings)
}

func TestHandleDescribe_DegradedStillOK(t *testing.T) {
	f := newHandlerFixture(t)
	f.geo.loc, f.geo.err = nil, apperrors.TimeoutError("geocode")

	rec := f.do(http.MethodPost, "/api/describe", validDescribeBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.DescribeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Location)
	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, "geocoder", resp.Warnings[0].Module)
}

func TestHandleDescribe_MalformedJSON(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(http.MethodPost, "/api/describe", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDescribe_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing thumbnail", `{"coordinates": [1, 2]}`},
		{"missing coordinates", `{"thumbnail": "aGVsbG8="}`},
		{"one coordinate", `{"thumbnail": "aGVsbG8=", "coordinates": [1]}`},
		{"longitude out of range", `{"thumbnail": "aGVsbG8=", "coordinates": [181, 0]}`},
		{"latitude out of range", `{"thumbnail": "aGVsbG8=", "coordinates": [0, -91]}`},
		{"bbox wrong length", `{"thumbnail": "aGVsbG8=", "coordinates": [1, 2], "bbox": [1, 2, 3]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			rec := f.do(http.MethodPost, "/api/describe", tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}
}

func TestHandleDescribe_OversizedThumbnail(t *testing.T) {
	f := newHandlerFixture(t)
	big := strings.Repeat("A", 2048)
	rec := f.do(http.MethodPost, "/api/describe",
		`{"thumbnail": "`+big+`", "coordinates": [1, 2]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleDescribeImage_Success(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/api/describe-image", `{"thumbnail": "aGVsbG8="}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp describeImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Ancient city fabric.", resp.Description)
}

func TestHandleDescribeImage_UpstreamFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.desc.text, f.desc.err = "", apperrors.UpstreamError("vision upstream returned status 500", nil)

	rec := f.do(http.MethodPost, "/api/describe-image", `{"thumbnail": "aGVsbG8="}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleDescribeImage_BlockedThumbnail(t *testing.T) {
	f := newHandlerFixture(t)
	f.desc.text, f.desc.err = "", apperrors.BlockedError("thumbnail host resolves to loopback address")

	rec := f.do(http.MethodPost, "/api/describe-image", `{"thumbnail": "aGVsbG8="}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleGeocode_Success(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/api/geocode?lon=12.49&lat=41.89", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var loc models.Location
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loc))
	assert.Equal(t, "Italy", loc.Country)
}

func TestHandleGeocode_BadParams(t *testing.T) {
	f := newHandlerFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/geocode", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/geocode?lon=abc&lat=1", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/geocode?lon=200&lat=1", "").Code)
}

func TestHandleGeocode_UpstreamTimeout(t *testing.T) {
	f := newHandlerFixture(t)
	f.geo.loc, f.geo.err = nil, apperrors.TimeoutError("geocode")

	rec := f.do(http.MethodGet, "/api/geocode?lon=1&lat=2", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleLandCover_Success(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/api/landcover?lon=12.49&lat=41.89", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var lc models.LandCover
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lc))
	assert.Equal(t, "residential area 80%", lc.Summary)
}

func TestHandleContext_Success(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/api/context?place=Rome&captured_at=2026-07-14", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "Found 1 items.", result.Summary)
}

func TestHandleContext_MissingPlace(t *testing.T) {
	f := newHandlerFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/context", "").Code)
}

func TestHealthCheck(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Version)
}

func TestHealthCheck_ReportsBreakerState(t *testing.T) {
	f := newHandlerFixture(t)
	f.geo.loc, f.geo.err = nil, apperrors.TimeoutError("geocode")

	for i := 0; i < 5; i++ {
		f.do(http.MethodPost, "/api/describe", validDescribeBody)
	}

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.NotEmpty(t, health.Breakers)

	var geoOpen bool
	for _, b := range health.Breakers {
		if b.Name == "geocoder" && b.Open {
			geoOpen = true
		}
	}
	assert.True(t, geoOpen)
}

func TestRespondError_StatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperrors.ValidationError("bad"), http.StatusUnprocessableEntity},
		{apperrors.BlockedError("blocked"), http.StatusUnprocessableEntity},
		{apperrors.UpstreamError("down", nil), http.StatusBadGateway},
		{apperrors.TimeoutError("op"), http.StatusBadGateway},
		{apperrors.CircuitOpenError("geocoder"), http.StatusServiceUnavailable},
		{apperrors.AuthError("nope"), http.StatusUnauthorized},
		{apperrors.InternalError("boom", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		respondError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, "error %v", tc.err)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body.Type)
	}
}
