// Package handlers implements the HTTP boundary. Requests are authenticated
// and validated here; anything that passes validation is handed to the
// composer and always answers 200, degradation included. The single-module
// endpoints expose the same adapters (and the same cache) individually.
package handlers

import (
	"encoding/json"
	"net/http"

	"tile-describer/internal/circuitbreaker"
	apperrors "tile-describer/internal/common/errors"
	"tile-describer/internal/common/logging"
	"tile-describer/internal/compose"
	"tile-describer/internal/config"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

type Handlers struct {
	composer  *compose.Composer
	geocoder  compose.GeocodeFetcher
	landCover compose.LandCoverFetcher
	describer compose.DescriptionFetcher
	contexts  compose.ContextFetcher
	breakers  *circuitbreaker.Registry
	config    *config.Config
	logger    logging.Logger
}

func New(composer *compose.Composer, geocoder compose.GeocodeFetcher, landCover compose.LandCoverFetcher, describer compose.DescriptionFetcher, contexts compose.ContextFetcher, breakers *circuitbreaker.Registry, cfg *config.Config, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		composer:  composer,
		geocoder:  geocoder,
		landCover: landCover,
		describer: describer,
		contexts:  contexts,
		breakers:  breakers,
		config:    cfg,
		logger:    logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Breakers []circuitbreaker.Stats `json:"circuit_breakers"`
}

// HealthCheck reports service status and breaker state. Unauthenticated.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  Version,
		Breakers: h.breakers.AllStats(),
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps a typed error onto an HTTP status. Validation problems
// are the caller's fault, upstream trouble is a gateway failure, an open
// breaker means try again later.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.GetType(err) {
	case apperrors.ErrTypeValidation, apperrors.ErrTypeBlocked:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrTypeUpstream, apperrors.ErrTypeTimeout:
		status = http.StatusBadGateway
	case apperrors.ErrTypeCircuitOpen:
		status = http.StatusServiceUnavailable
	case apperrors.ErrTypeAuth:
		status = http.StatusUnauthorized
	}
	respondJSON(w, status, errorResponse{
		Error: err.Error(),
		Type:  string(apperrors.GetType(err)),
	})
}
