package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-node/internal/compute"
	"gpu-node/internal/config"
	"gpu-node/internal/dto"
	"gpu-node/internal/service"
	"gpu-node/internal/session"
)

const validOffer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n"

// stubNegotiator stands in for the WebRTC stream handler.
type stubNegotiator struct {
	attachErr error
}

func (n *stubNegotiator) Attach(sess *session.Session, offerSDP string) (string, error) {
	if n.attachErr != nil {
		return "", n.attachErr
	}
	return "v=0\r\nanswer\r\n", nil
}

func (n *stubNegotiator) AddCandidate(sessionID string, candidate webrtc.ICECandidateInit) error {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()

	cfg := &config.Config{
		NodeID:             "node-test",
		QueueCapacity:      3,
		ComputeParallelism: 1,
		FrameDeadline:      100 * time.Millisecond,
		ComputeBudget:      80 * time.Millisecond,
		MaxSessions:        4,
	}

	registry := session.NewRegistry(cfg.MaxSessions, time.Minute, time.Minute, nil, zerolog.Nop())
	monitor := compute.NewMonitor(compute.Noop{}, compute.DefaultUnavailableThreshold)
	pool := compute.NewPool(1, 4, zerolog.Nop())
	t.Cleanup(pool.Stop)

	svc := service.NewNodeService(cfg, registry, &stubNegotiator{}, monitor, pool, zerolog.Nop())
	handler := NewHandler(svc, zerolog.Nop())
	server := httptest.NewServer(SetupRoutes(handler, zerolog.Nop()))
	t.Cleanup(server.Close)

	return server, registry
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestCreateSession(t *testing.T) {
	server, registry := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/gpu-node/sessions", dto.CreateSessionRequest{
		PeerID: "peer-1",
		SDP:    validOffer,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created dto.CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.SessionID)
	assert.Contains(t, created.SDP, "v=0")
	assert.Equal(t, 1, registry.Count())
}

func TestCreateSessionMalformedOffer(t *testing.T) {
	server, registry := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/gpu-node/sessions", dto.CreateSessionRequest{
		PeerID: "peer-1",
		SDP:    "not an sdp",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp dto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "negotiation_failure", errResp.Error)
	assert.Equal(t, 0, registry.Count(), "no session registered on negotiation failure")
}

func TestCreateSessionDuplicatePeer(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/gpu-node/sessions", dto.CreateSessionRequest{PeerID: "peer-1", SDP: validOffer})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, server.URL+"/api/gpu-node/sessions", dto.CreateSessionRequest{PeerID: "peer-1", SDP: validOffer})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTeardownUnknownSession(t *testing.T) {
	server, registry := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/gpu-node/sessions/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp dto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "session_not_found", errResp.Error)
	assert.Equal(t, 0, registry.Count())
}

func TestTeardownSession(t *testing.T) {
	server, registry := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/gpu-node/sessions", dto.CreateSessionRequest{PeerID: "peer-1", SDP: validOffer})
	var created dto.CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/gpu-node/sessions/%s", server.URL, created.SessionID), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	assert.Eventually(t, func() bool {
		return registry.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConfigureUnknownSession(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/gpu-node/sessions/nope/configure", dto.ConfigureRequest{QueueCapacity: 2})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigureSession(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/gpu-node/sessions", dto.CreateSessionRequest{PeerID: "peer-1", SDP: validOffer})
	var created dto.CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	resp = postJSON(t, fmt.Sprintf("%s/api/gpu-node/sessions/%s/configure", server.URL, created.SessionID), dto.ConfigureRequest{
		ComputeParallelism: 2,
		FrameDeadlineMS:    50,
		QueueCapacity:      2,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetHealth(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/gpu-node/sessions", dto.CreateSessionRequest{PeerID: "peer-1", SDP: validOffer})
	resp.Body.Close()

	healthResp, err := http.Get(server.URL + "/api/gpu-node/health")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	require.Equal(t, http.StatusOK, healthResp.StatusCode)

	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(healthResp.Body).Decode(&snap))
	assert.Equal(t, session.StatusOK, snap.Status)
	assert.Equal(t, "node-test", snap.NodeID)
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.True(t, snap.ComputeAvailable)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, session.StateNegotiating, snap.Sessions[0].State)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
