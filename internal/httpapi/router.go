package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func Router(h *Handler, metricsHandler http.Handler) chi.Router {
	router := chi.NewRouter()
	router.Get("/health", h.Health)
	router.Post("/claims/intake", h.CreateIntake)
	router.Get("/claims/intake/{intakeID}", h.GetIntake)
	if metricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	return router
}
