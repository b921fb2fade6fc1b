package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpu-node/internal/pipeline"
)

// Session lifecycle states.
const (
	StateNegotiating = "negotiating"
	StateConnected   = "connected"
	StateDraining    = "draining"
	StateClosed      = "closed"
)

// Teardown reasons recorded when a session leaves the registry.
const (
	ReasonTeardown           = "teardown"
	ReasonIdleTimeout        = "idle_timeout"
	ReasonDisconnect         = "transport_disconnect"
	ReasonNegotiationFailure = "negotiation_failure"
	ReasonShutdown           = "shutdown"
)

var (
	ErrSessionNotFound = errors.New("session_not_found")
	ErrPeerBusy        = errors.New("peer already has an active session")
	ErrCapacity        = errors.New("session capacity reached")
	ErrNotNegotiating  = errors.New("session is not negotiating")
	ErrNotConnected    = errors.New("session is not connected")
)

// DrainTimeout bounds how long a draining session waits for in-flight
// compute jobs before abandoning them.
const DrainTimeout = 5 * time.Second

// Session is one connection-scoped unit of work between this node and a
// single remote peer. The registry owns it; the pipeline and transport hold
// only the callbacks wired in here.
type Session struct {
	ID     string
	PeerID string

	mu           sync.Mutex
	state        string
	createdAt    time.Time
	lastActivity time.Time

	pipe *pipeline.Pipeline
	log  zerolog.Logger
	now  func() time.Time

	closeTransport func()
	onClosed       func(s *Session, reason string)

	drainOnce sync.Once
}

func New(id, peerID string, pipe *pipeline.Pipeline, log zerolog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		PeerID:       peerID,
		state:        StateNegotiating,
		createdAt:    now,
		lastActivity: now,
		pipe:         pipe,
		log:          log.With().Str("session_id", id).Logger(),
		now:          time.Now,
	}
}

// SetCloseTransport installs the transport shutdown hook (closes the peer
// connection). Called once by the transport layer during attach.
func (s *Session) SetCloseTransport(fn func()) {
	s.mu.Lock()
	s.closeTransport = fn
	s.mu.Unlock()
}

// setOnClosed is wired by the registry so teardown removes the session.
func (s *Session) setOnClosed(fn func(s *Session, reason string)) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

func (s *Session) Pipeline() *pipeline.Pipeline {
	return s.pipe
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// IdleFor returns how long the session has been without inbound activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.createdAt)
}

// MarkConnected completes the handshake: negotiating -> connected.
func (s *Session) MarkConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNegotiating {
		return ErrNotNegotiating
	}
	s.state = StateConnected
	s.lastActivity = s.now()
	s.log.Info().Str("peer_id", s.PeerID).Msg("session connected")
	return nil
}

// IngestFrame hands one raw inbound frame to the pipeline. Frames are only
// accepted while connected; anything arriving during draining or teardown is
// discarded at the door.
func (s *Session) IngestFrame(data []byte) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.pipe.Push(data)
	return nil
}

// BeginDrain moves the session into draining: intake stops, in-flight
// compute jobs finish or time out, the outbound queue flushes, and then the
// session closes. Safe to call from any state and any goroutine; only the
// first call wins.
func (s *Session) BeginDrain(reason string) {
	s.drainOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.state = StateDraining
		s.mu.Unlock()

		s.log.Info().Str("reason", reason).Msg("session draining")

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
			defer cancel()
			if err := s.pipe.Drain(ctx); err != nil {
				s.log.Warn().Err(err).Msg("drain abandoned in-flight compute jobs")
			}
			s.close(reason)
		}()
	})
}

// CloseNow skips draining: used when the handshake never completed and there
// is nothing in flight to wait for.
func (s *Session) CloseNow(reason string) {
	s.drainOnce.Do(func() {})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.pipe.Drain(ctx)
	s.close(reason)
}

func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	closeTransport := s.closeTransport
	onClosed := s.onClosed
	s.mu.Unlock()

	if closeTransport != nil {
		closeTransport()
	}
	s.log.Info().Str("reason", reason).Msg("session closed")
	if onClosed != nil {
		onClosed(s, reason)
	}
}
