package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"gpu-node/internal/config"
	"gpu-node/internal/session"
)

// StreamHandler owns the WebRTC side of every session: peer connections,
// the inbound "frames" data channel carrying JPEG payloads from the peer,
// and the outbound "frames-out" channel carrying transformed frames back.
type StreamHandler struct {
	api          *webrtc.API
	config       webrtc.Configuration
	maxFrameSize int
	log          zerolog.Logger

	peerConnections sync.Map // map[sessionID]*webrtc.PeerConnection
}

func NewStreamHandler(cfg *config.Config, log zerolog.Logger) *StreamHandler {
	rtcConfig := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{cfg.STUNServer},
			},
		},
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		log.Warn().Err(err).Msg("failed to register default codecs")
	}

	return &StreamHandler{
		api:          webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		config:       rtcConfig,
		maxFrameSize: cfg.MaxFrameSize,
		log:          log,
	}
}

// Attach builds a peer connection for the session from the remote offer and
// returns the local answer SDP. Transport callbacks drive the session state
// machine from here on: Connected completes the handshake, and any terminal
// connection state moves the session into draining.
func (h *StreamHandler) Attach(sess *session.Session, offerSDP string) (string, error) {
	peerConnection, err := h.api.NewPeerConnection(h.config)
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	h.peerConnections.Store(sess.ID, peerConnection)
	sess.SetCloseTransport(func() {
		if err := peerConnection.Close(); err != nil {
			h.log.Debug().Err(err).Str("session_id", sess.ID).Msg("error closing peer connection")
		}
		h.peerConnections.Delete(sess.ID)
	})

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.log.Info().Str("session_id", sess.ID).Str("state", state.String()).Msg("connection state changed")

		switch state {
		case webrtc.PeerConnectionStateConnected:
			if err := sess.MarkConnected(); err != nil {
				h.log.Debug().Err(err).Str("session_id", sess.ID).Msg("connected callback ignored")
			}
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			sess.BeginDrain(session.ReasonDisconnect)
		}
	})

	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		h.log.Debug().Str("session_id", sess.ID).Str("state", state.String()).Msg("ICE state changed")
	})

	// Transformed frames go back over our own data channel.
	outChannel, err := peerConnection.CreateDataChannel("frames-out", nil)
	if err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sess.ID)
		return "", fmt.Errorf("failed to create outbound data channel: %w", err)
	}
	h.setupOutboundChannel(sess, outChannel)

	// The peer opens the inbound channel carrying raw JPEG frames.
	peerConnection.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		h.log.Info().Str("session_id", sess.ID).Str("label", dataChannel.Label()).Msg("data channel opened by peer")
		if dataChannel.Label() == "frames" {
			h.setupInboundChannel(sess, dataChannel)
		}
	})

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sess.ID)
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sess.ID)
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sess.ID)
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	return answer.SDP, nil
}

// AddCandidate injects a trickled ICE candidate into the peer connection.
func (h *StreamHandler) AddCandidate(sessionID string, candidate webrtc.ICECandidateInit) error {
	val, ok := h.peerConnections.Load(sessionID)
	if !ok {
		return session.ErrSessionNotFound
	}
	peerConnection := val.(*webrtc.PeerConnection)
	if err := peerConnection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// setupInboundChannel feeds binary messages from the peer into the session's
// pipeline. Text messages are control chatter and only logged.
func (h *StreamHandler) setupInboundChannel(sess *session.Session, channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		h.log.Info().Str("session_id", sess.ID).Msg("inbound frames channel open")
	})
	channel.OnClose(func() {
		h.log.Info().Str("session_id", sess.ID).Msg("inbound frames channel closed")
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			// Control chatter counts as activity: a peer sending keepalives
			// must not be swept as idle.
			sess.Touch()
			h.log.Debug().Str("session_id", sess.ID).Str("msg", string(msg.Data)).Msg("frames channel control message")
			return
		}
		if !h.validFrame(msg.Data) {
			h.log.Debug().Str("session_id", sess.ID).Int("size", len(msg.Data)).Msg("discarding malformed frame payload")
			return
		}
		if err := sess.IngestFrame(msg.Data); err != nil {
			h.log.Debug().Err(err).Str("session_id", sess.ID).Msg("frame rejected")
		}
	})
}

// setupOutboundChannel wires the pipeline's emitter to the data channel once
// it opens.
func (h *StreamHandler) setupOutboundChannel(sess *session.Session, channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		h.log.Info().Str("session_id", sess.ID).Msg("outbound frames channel open")
		sess.Pipeline().SetSender(func(data []byte) error {
			if channel.ReadyState() != webrtc.DataChannelStateOpen {
				return fmt.Errorf("outbound channel not open (state: %s)", channel.ReadyState())
			}
			return channel.Send(data)
		})
	})
	channel.OnClose(func() {
		h.log.Info().Str("session_id", sess.ID).Msg("outbound frames channel closed")
		sess.Pipeline().SetSender(nil)
	})
}

// validFrame rejects empty, oversized, or non-JPEG payloads before they
// reach the pipeline. JPEG data starts with the FF D8 SOI marker.
func (h *StreamHandler) validFrame(data []byte) bool {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return false
	}
	if h.maxFrameSize > 0 && len(data) > h.maxFrameSize {
		return false
	}
	return true
}
