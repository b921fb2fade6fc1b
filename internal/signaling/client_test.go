package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureServer struct {
	mu       sync.Mutex
	requests []capturedRequest
}

type capturedRequest struct {
	path string
	body map[string]interface{}
}

func (s *captureServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.requests = append(s.requests, capturedRequest{path: r.URL.Path, body: body})
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *captureServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *captureServer) request(i int) capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func TestRegisterPostsNodeInfo(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(capture)
	defer server.Close()

	client := NewClient(server.URL, "node-1", zerolog.Nop())
	err := client.Register(context.Background(), RegisterInfo{
		Status:  "ok",
		Address: ":8080",
		Backend: "http",
	})
	require.NoError(t, err)

	require.Equal(t, 1, capture.count())
	req := capture.request(0)
	assert.Equal(t, "/nodes/register", req.path)
	assert.Equal(t, "node-1", req.body["node_id"])
	assert.Equal(t, "http", req.body["backend"])
}

func TestPushHealthPostsSnapshot(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(capture)
	defer server.Close()

	client := NewClient(server.URL, "node-1", zerolog.Nop())
	err := client.PushHealth(context.Background(), map[string]interface{}{"status": "ok"})
	require.NoError(t, err)

	require.Equal(t, 1, capture.count())
	req := capture.request(0)
	assert.Equal(t, "/nodes/node-1/health", req.path)
	assert.Equal(t, "ok", req.body["status"])
}

func TestPushHealthReportsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "node-1", zerolog.Nop())
	err := client.PushHealth(context.Background(), map[string]interface{}{"status": "ok"})
	assert.Error(t, err)
}

func TestDisabledClientIsNoOp(t *testing.T) {
	client := NewClient("", "node-1", zerolog.Nop())

	assert.False(t, client.Enabled())
	assert.NoError(t, client.Register(context.Background(), RegisterInfo{}))
	assert.NoError(t, client.PushHealth(context.Background(), nil))

	offer, err := client.ReceiveOffer(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, offer)

	// Run and PollOffers return immediately instead of ticking.
	done := make(chan struct{})
	go func() {
		client.Run(context.Background(), time.Millisecond, func() interface{} { return nil })
		client.PollOffers(context.Background(), time.Millisecond, func(string, string) (string, string, error) {
			return "", "", nil
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for disabled client")
	}
}

func TestReceiveOfferEmptyQueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "node-1", zerolog.Nop())
	offer, err := client.ReceiveOffer(context.Background())
	require.NoError(t, err)
	assert.Nil(t, offer)
}

func TestPollOffersNegotiatesAndPushesAnswer(t *testing.T) {
	var mu sync.Mutex
	served := false
	var answerBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/nodes/node-1/offers":
			if served {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			served = true
			json.NewEncoder(w).Encode(Offer{
				SessionID: "orch-sess-1",
				PeerID:    "peer-1",
				SDP:       "v=0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n",
			})
		case r.Method == http.MethodPost && r.URL.Path == "/nodes/node-1/answers":
			json.NewDecoder(r.Body).Decode(&answerBody)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	var negotiated struct {
		mu      sync.Mutex
		peerID  string
		sdp     string
		invoked int
	}
	answer := func(peerID, offerSDP string) (string, string, error) {
		negotiated.mu.Lock()
		defer negotiated.mu.Unlock()
		negotiated.peerID = peerID
		negotiated.sdp = offerSDP
		negotiated.invoked++
		return "local-sess-1", "v=0\r\nanswer\r\n", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(server.URL, "node-1", zerolog.Nop())
	go client.PollOffers(ctx, 5*time.Millisecond, answer)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return answerBody != nil
	}, time.Second, 5*time.Millisecond)

	negotiated.mu.Lock()
	assert.Equal(t, "peer-1", negotiated.peerID)
	assert.Contains(t, negotiated.sdp, "v=0")
	assert.Equal(t, 1, negotiated.invoked, "an empty queue must not renegotiate")
	negotiated.mu.Unlock()

	mu.Lock()
	assert.Equal(t, "orch-sess-1", answerBody["session_id"], "answer correlates by the orchestrator's session id")
	assert.Equal(t, "v=0\r\nanswer\r\n", answerBody["answer"])
	mu.Unlock()
}

func TestPollOffersSkipsRejectedOffer(t *testing.T) {
	var mu sync.Mutex
	answerPosted := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/nodes/node-1/offers":
			json.NewEncoder(w).Encode(Offer{SessionID: "orch-sess-1", PeerID: "peer-1", SDP: "not an sdp"})
		case r.Method == http.MethodPost && r.URL.Path == "/nodes/node-1/answers":
			answerPosted = true
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	var calls atomic.Int64
	answer := func(peerID, offerSDP string) (string, string, error) {
		calls.Add(1)
		return "", "", errors.New("negotiation_failure: malformed offer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(server.URL, "node-1", zerolog.Nop())
	go client.PollOffers(ctx, 5*time.Millisecond, answer)

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.False(t, answerPosted, "no answer is pushed for a rejected offer")
	mu.Unlock()
}

func TestRunPushesOnInterval(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(capture)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(server.URL, "node-1", zerolog.Nop())
	go client.Run(ctx, 5*time.Millisecond, func() interface{} {
		return map[string]interface{}{"status": "ok"}
	})

	require.Eventually(t, func() bool {
		return capture.count() >= 2
	}, time.Second, 5*time.Millisecond)
}
