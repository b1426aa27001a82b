package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"tile-describer/internal/handlers"
	"tile-describer/internal/middleware"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, authMiddleware func(http.Handler) http.Handler) {
	// Add logging middleware to all routes
	router.Use(middleware.LoggingMiddleware)

	// Health check (no auth required)
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// API endpoints - require the shared key
	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)

	api.HandleFunc("/describe", h.HandleDescribe).Methods("POST")
	api.HandleFunc("/describe-image", h.HandleDescribeImage).Methods("POST")
	api.HandleFunc("/geocode", h.HandleGeocode).Methods("GET")
	api.HandleFunc("/landcover", h.HandleLandCover).Methods("GET")
	api.HandleFunc("/context", h.HandleContext).Methods("GET")
}

// BuildRouter assembles the router with handlers over the app's components.
func (app *App) BuildRouter() *mux.Router {
	h := handlers.New(
		app.Composer,
		app.Geocoder, app.LandCover, app.Describer, app.Contexts,
		app.Breakers, app.Config, app.Logger)

	router := mux.NewRouter()
	SetupRoutes(router, h, middleware.APIKeyAuth(app.Config.APIKey))
	return router
}
