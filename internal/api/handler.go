package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gpu-node/internal/dto"
	"gpu-node/internal/service"
	"gpu-node/internal/session"
)

// Handler is the control surface consumed by the orchestrator. It is a thin
// adapter over NodeService: request validation plus JSON encoding, no
// session logic of its own.
type Handler struct {
	svc *service.NodeService
	log zerolog.Logger
}

func NewHandler(svc *service.NodeService, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// CreateSession handles POST /api/gpu-node/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "negotiation_failure", "invalid request body")
		return
	}

	sessionID, answer, err := h.svc.CreateSession(req.PeerID, req.SDP)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrPeerBusy):
			h.respondError(w, http.StatusConflict, "peer_busy", err.Error())
		case errors.Is(err, session.ErrCapacity):
			h.respondError(w, http.StatusServiceUnavailable, "capacity", err.Error())
		default:
			h.respondError(w, http.StatusBadRequest, "negotiation_failure", err.Error())
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, dto.CreateSessionResponse{
		SessionID: sessionID,
		SDP:       answer,
	})
}

// AddCandidate handles POST /api/gpu-node/sessions/{id}/candidate.
func (h *Handler) AddCandidate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req dto.CandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	if err := h.svc.AddCandidate(sessionID, req.Candidate); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.respondError(w, http.StatusNotFound, "session_not_found", sessionID)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "candidate_failed", err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "candidate added"})
}

// TeardownSession handles DELETE /api/gpu-node/sessions/{id}.
func (h *Handler) TeardownSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := h.svc.Teardown(sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.respondError(w, http.StatusNotFound, "session_not_found", sessionID)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "teardown_failed", err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "session draining"})
}

// ConfigureSession handles POST /api/gpu-node/sessions/{id}/configure.
func (h *Handler) ConfigureSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req dto.ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.ComputeParallelism < 0 || req.FrameDeadlineMS < 0 || req.QueueCapacity < 0 {
		h.respondError(w, http.StatusBadRequest, "bad_request", "options must be non-negative")
		return
	}

	err := h.svc.Configure(
		sessionID,
		req.ComputeParallelism,
		time.Duration(req.FrameDeadlineMS)*time.Millisecond,
		req.QueueCapacity,
	)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.respondError(w, http.StatusNotFound, "session_not_found", sessionID)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "configure_failed", err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "session configured"})
}

// GetHealth handles GET /api/gpu-node/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.svc.Health())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, dto.ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	})
}
