package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"gpu-node/internal/observability"
)

func SetupRoutes(handler *Handler, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Control surface
	mux.HandleFunc("POST /api/gpu-node/sessions", handler.CreateSession)
	mux.HandleFunc("POST /api/gpu-node/sessions/{id}/candidate", handler.AddCandidate)
	mux.HandleFunc("POST /api/gpu-node/sessions/{id}/configure", handler.ConfigureSession)
	mux.HandleFunc("DELETE /api/gpu-node/sessions/{id}", handler.TeardownSession)

	// Health and metrics
	mux.HandleFunc("GET /api/gpu-node/health", handler.GetHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	// Apply middleware
	var h http.Handler = mux
	h = LoggingMiddleware(log, h)
	h = RecoveryMiddleware(log, h)
	h = CORSMiddleware(h)

	return h
}
