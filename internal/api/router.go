package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/terradev/terradev/internal/middleware"
)

// NewRouter wires the v1 routes and cross-cutting middleware. limiter
// may be nil when redis is not configured.
func NewRouter(h *Handler, limiter *middleware.RateLimiter, requestsPerMinute int) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if limiter != nil {
		v1.Use(limiter.Limit(requestsPerMinute))
	}

	v1.HandleFunc("/providers", h.Providers).Methods(http.MethodGet)
	v1.HandleFunc("/quotes", h.Quotes).Methods(http.MethodPost)
	v1.HandleFunc("/provision", h.Provision).Methods(http.MethodPost)
	v1.HandleFunc("/stage", h.Stage).Methods(http.MethodPost)
	v1.HandleFunc("/instances", h.ListInstances).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{id}/exec", h.Exec).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id}/{action}", h.ManageInstance).Methods(http.MethodPost)
	v1.HandleFunc("/ratelimits", h.RateLimits).Methods(http.MethodGet)

	return r
}
