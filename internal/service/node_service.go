package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"gpu-node/internal/compute"
	"gpu-node/internal/config"
	"gpu-node/internal/pipeline"
	"gpu-node/internal/session"
)

// ErrNegotiationFailed covers offers that are malformed or whose handshake
// setup fails; no session survives it.
var ErrNegotiationFailed = errors.New("negotiation_failure")

// Negotiator is the transport attach surface the service drives. Implemented
// by webrtc.StreamHandler; stubbed in tests.
type Negotiator interface {
	Attach(sess *session.Session, offerSDP string) (string, error)
	AddCandidate(sessionID string, candidate webrtc.ICECandidateInit) error
}

// NodeService coordinates session creation, teardown, configuration and
// health for the control surface. It holds no per-frame state of its own.
type NodeService struct {
	cfg      *config.Config
	registry *session.Registry
	streams  Negotiator
	backend  *compute.Monitor
	pool     pipeline.Submitter
	log      zerolog.Logger
}

func NewNodeService(cfg *config.Config, registry *session.Registry, streams Negotiator, backend *compute.Monitor, pool pipeline.Submitter, log zerolog.Logger) *NodeService {
	return &NodeService{
		cfg:      cfg,
		registry: registry,
		streams:  streams,
		backend:  backend,
		pool:     pool,
		log:      log,
	}
}

// CreateSession validates the offer, registers a new session, and runs the
// transport attach. On any failure the registry is left untouched.
func (s *NodeService) CreateSession(peerID, offerSDP string) (sessionID, answerSDP string, err error) {
	if peerID == "" {
		return "", "", fmt.Errorf("%w: missing peer id", ErrNegotiationFailed)
	}
	if !plausibleSDP(offerSDP) {
		return "", "", fmt.Errorf("%w: malformed offer", ErrNegotiationFailed)
	}

	id := uuid.NewString()
	pipe := pipeline.New(pipeline.Options{
		QueueCapacity: s.cfg.QueueCapacity,
		Parallelism:   s.cfg.ComputeParallelism,
		FrameDeadline: s.cfg.FrameDeadline,
		ComputeBudget: s.cfg.ComputeBudget,
	}, s.backend, s.pool, s.log)

	sess := session.New(id, peerID, pipe, s.log)

	if err := s.registry.Add(sess); err != nil {
		drainPipe(pipe)
		if errors.Is(err, session.ErrPeerBusy) || errors.Is(err, session.ErrCapacity) {
			return "", "", err
		}
		return "", "", fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	answer, err := s.streams.Attach(sess, offerSDP)
	if err != nil {
		s.registry.Remove(id)
		drainPipe(pipe)
		return "", "", fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	s.log.Info().Str("session_id", id).Str("peer_id", peerID).Msg("session negotiating")
	return id, answer, nil
}

// AddCandidate forwards a trickled ICE candidate to the session's transport.
func (s *NodeService) AddCandidate(sessionID string, candidate webrtc.ICECandidateInit) error {
	if _, err := s.registry.Get(sessionID); err != nil {
		return err
	}
	return s.streams.AddCandidate(sessionID, candidate)
}

// Teardown drains and removes a session.
func (s *NodeService) Teardown(sessionID string) error {
	return s.registry.Teardown(sessionID)
}

// Configure applies per-session pipeline options.
func (s *NodeService) Configure(sessionID string, parallelism int, frameDeadline time.Duration, queueCapacity int) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Pipeline().Configure(parallelism, frameDeadline, queueCapacity)
	return nil
}

// Health derives the current snapshot.
func (s *NodeService) Health() session.Snapshot {
	return s.registry.Snapshot(s.cfg.NodeID, s.backend.Available())
}

// Shutdown drains every session within the allotted time.
func (s *NodeService) Shutdown(ctx context.Context) {
	s.registry.DrainAll(ctx)
}

func drainPipe(pipe *pipeline.Pipeline) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = pipe.Drain(ctx)
}

// plausibleSDP is a cheap sanity check before handing the offer to the
// transport stack; the real validation happens in SetRemoteDescription.
func plausibleSDP(sdp string) bool {
	return strings.HasPrefix(sdp, "v=") && strings.Contains(sdp, "m=")
}
