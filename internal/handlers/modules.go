package handlers

import (
	"net/http"
	"strconv"

	apperrors "tile-describer/internal/common/errors"
)

// HandleGeocode exposes the reverse-geocoding adapter directly. It shares
// the cache and breaker state with full compositions.
func (h *Handlers) HandleGeocode(w http.ResponseWriter, r *http.Request) {
	lon, lat, err := coordinateParams(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Type:  string(apperrors.ErrTypeValidation),
		})
		return
	}

	location, err := h.geocoder.Fetch(r.Context(), lon, lat)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, location)
}

// HandleLandCover exposes the land-cover adapter directly.
func (h *Handlers) HandleLandCover(w http.ResponseWriter, r *http.Request) {
	lon, lat, err := coordinateParams(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Type:  string(apperrors.ErrTypeValidation),
		})
		return
	}

	landCover, err := h.landCover.Fetch(r.Context(), lon, lat)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, landCover)
}

// HandleContext exposes the contextual-events adapter directly.
func (h *Handlers) HandleContext(w http.ResponseWriter, r *http.Request) {
	place := r.URL.Query().Get("place")
	if place == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: "place query parameter is required",
			Type:  string(apperrors.ErrTypeValidation),
		})
		return
	}
	capturedAt := r.URL.Query().Get("captured_at")

	result, err := h.contexts.Fetch(r.Context(), place, capturedAt)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// coordinateParams parses and range-checks lon/lat query parameters.
func coordinateParams(r *http.Request) (float64, float64, error) {
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		return 0, 0, apperrors.ValidationError("lon query parameter must be a number")
	}
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		return 0, 0, apperrors.ValidationError("lat query parameter must be a number")
	}
	if lon < -180 || lon > 180 {
		return 0, 0, apperrors.ValidationError("lon must be between -180 and 180")
	}
	if lat < -90 || lat > 90 {
		return 0, 0, apperrors.ValidationError("lat must be between -90 and 90")
	}
	return lon, lat, nil
}
