package session

import "time"

// Health statuses reported to the orchestrator.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// SessionHealth is the per-session slice of a health snapshot.
type SessionHealth struct {
	ID         string `json:"id"`
	PeerID     string `json:"peer_id"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   int    `json:"in_flight"`
	Received   uint64 `json:"received"`
	Emitted    uint64 `json:"emitted"`
	Dropped    uint64 `json:"dropped"`
	IdleForMS  int64  `json:"idle_for_ms"`
}

// Snapshot is the process-wide health view. Always derived on demand by
// read-only traversal of the registry, never stored as source of truth.
type Snapshot struct {
	Status           string          `json:"status"`
	NodeID           string          `json:"node_id,omitempty"`
	ActiveSessions   int             `json:"active_sessions"`
	ComputeAvailable bool            `json:"compute_available"`
	Sessions         []SessionHealth `json:"sessions"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Snapshot computes the current health view. It mutates nothing: per-session
// stats come from the pipeline's own counters and the session's accessors.
func (r *Registry) Snapshot(nodeID string, computeAvailable bool) Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snap := Snapshot{
		Status:           StatusOK,
		NodeID:           nodeID,
		ActiveSessions:   len(sessions),
		ComputeAvailable: computeAvailable,
		Sessions:         make([]SessionHealth, 0, len(sessions)),
		Timestamp:        r.now(),
	}
	if !computeAvailable {
		snap.Status = StatusDegraded
	}

	for _, s := range sessions {
		stats := s.Pipeline().Stats()
		snap.Sessions = append(snap.Sessions, SessionHealth{
			ID:         s.ID,
			PeerID:     s.PeerID,
			State:      s.State(),
			QueueDepth: stats.QueueDepth,
			InFlight:   stats.InFlight,
			Received:   stats.Received,
			Emitted:    stats.Emitted,
			Dropped:    stats.Dropped(),
			IdleForMS:  s.IdleFor().Milliseconds(),
		})
	}
	return snap
}
