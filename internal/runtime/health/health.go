// Package health serves the liveness endpoints shared by both processes.
package health

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
)

// Status is the health response body.
type Status struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// Handler answers every request with a Healthy status for service.
func Handler(service string) http.HandlerFunc {
	return handler(service, time.Now)
}

func handler(service string, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = jsoncodec.Encode(w, Status{
			Status:    "Healthy",
			Service:   service,
			Timestamp: now().UTC().Format(time.RFC3339),
		})
	}
}

// Mount registers GET /health and GET /api/health on r.
func Mount(r chi.Router, service string) {
	h := Handler(service)
	r.Get("/health", h)
	r.Get("/api/health", h)
}
