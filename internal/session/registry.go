package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpu-node/internal/observability"
)

// Auditor records session lifecycle events to durable storage. Calls are
// best-effort: the registry logs failures and moves on, since the in-memory
// table is the source of truth.
type Auditor interface {
	SessionCreated(ctx context.Context, id, peerID string, at time.Time) error
	SessionClosed(ctx context.Context, id, reason string, at time.Time) error
}

// Registry is the process-wide table of active sessions. All mutations go
// through its lock (single-writer discipline); health snapshots are
// read-only traversals.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPeer   map[string]string

	maxSessions        int
	idleTimeout        time.Duration
	negotiationTimeout time.Duration

	audit Auditor
	log   zerolog.Logger
	now   func() time.Time
}

func NewRegistry(maxSessions int, idleTimeout, negotiationTimeout time.Duration, audit Auditor, log zerolog.Logger) *Registry {
	return &Registry{
		sessions:           make(map[string]*Session),
		byPeer:             make(map[string]string),
		maxSessions:        maxSessions,
		idleTimeout:        idleTimeout,
		negotiationTimeout: negotiationTimeout,
		audit:              audit,
		log:                log,
		now:                time.Now,
	}
}

// Add registers a session, enforcing capacity and one-session-per-peer.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return ErrCapacity
	}
	if _, busy := r.byPeer[s.PeerID]; busy {
		r.mu.Unlock()
		return ErrPeerBusy
	}
	r.sessions[s.ID] = s
	r.byPeer[s.PeerID] = s.ID
	count := len(r.sessions)
	r.mu.Unlock()

	s.setOnClosed(r.onSessionClosed)
	observability.SetActiveSessions(count)

	if r.audit != nil {
		if err := r.audit.SessionCreated(context.Background(), s.ID, s.PeerID, s.CreatedAt()); err != nil {
			r.log.Warn().Err(err).Str("session_id", s.ID).Msg("session audit write failed")
		}
	}
	return nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Teardown drains and removes a session on an explicit orchestrator request.
func (r *Registry) Teardown(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.BeginDrain(ReasonTeardown)
	return nil
}

// onSessionClosed removes a closed session from the table. Installed on
// every session at Add time.
func (r *Registry) onSessionClosed(s *Session, reason string) {
	r.mu.Lock()
	if current, ok := r.sessions[s.ID]; !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	delete(r.byPeer, s.PeerID)
	count := len(r.sessions)
	r.mu.Unlock()

	observability.SetActiveSessions(count)

	if r.audit != nil {
		if err := r.audit.SessionClosed(context.Background(), s.ID, reason, r.now()); err != nil {
			r.log.Warn().Err(err).Str("session_id", s.ID).Msg("session audit write failed")
		}
	}
}

// Remove force-removes a session that never finished registration. Used by
// the create path to undo Add when negotiation fails.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.byPeer, s.PeerID)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(count)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep forces idle connected sessions into draining and discards sessions
// whose handshake never completed in time. One pass of the periodic sweeper.
func (r *Registry) Sweep() {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		switch s.State() {
		case StateConnected:
			if s.IdleFor() >= r.idleTimeout {
				r.log.Info().Str("session_id", s.ID).Dur("idle", s.IdleFor()).Msg("idle timeout")
				s.BeginDrain(ReasonIdleTimeout)
			}
		case StateNegotiating:
			if s.Age() >= r.negotiationTimeout {
				r.log.Info().Str("session_id", s.ID).Msg("negotiation timeout")
				s.CloseNow(ReasonNegotiationFailure)
			}
		}
	}
}

// RunSweeper runs periodic sweeps until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", interval).Msg("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("session sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// DrainAll begins draining every session (process shutdown) and waits until
// the registry empties or ctx expires.
func (r *Registry) DrainAll(ctx context.Context) {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.BeginDrain(ReasonShutdown)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
