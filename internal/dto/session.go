package dto

import "github.com/pion/webrtc/v3"

// CreateSessionRequest carries the peer's SDP offer from the orchestrator.
type CreateSessionRequest struct {
	PeerID string `json:"peer_id"`
	SDP    string `json:"sdp"`
}

// CreateSessionResponse returns the SDP answer for the new session.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

// CandidateRequest carries one trickled ICE candidate.
type CandidateRequest struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ConfigureRequest tunes a session's pipeline at runtime. Zero values keep
// the current setting.
type ConfigureRequest struct {
	ComputeParallelism int   `json:"compute_parallelism,omitempty"`
	FrameDeadlineMS    int64 `json:"frame_deadline_ms,omitempty"`
	QueueCapacity      int   `json:"queue_capacity,omitempty"`
}
