package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RegisterInfo describes this node to the orchestrator at startup.
type RegisterInfo struct {
	NodeID  string `json:"node_id"`
	Status  string `json:"status"`
	Address string `json:"address"`
	Backend string `json:"backend"`
}

// Offer is one pending SDP offer pulled from the orchestrator's queue.
type Offer struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
	SDP       string `json:"offer"`
}

// AnswerFunc negotiates one pulled offer and returns the local session id
// and the SDP answer. Wired to NodeService.CreateSession.
type AnswerFunc func(peerID, offerSDP string) (sessionID, answerSDP string, err error)

// Client pushes registration and health updates to the orchestrator. When no
// orchestrator URL is configured every call is a no-op; the node still works
// standalone.
type Client struct {
	orchestratorURL string
	nodeID          string
	client          *http.Client
	log             zerolog.Logger
}

func NewClient(orchestratorURL, nodeID string, log zerolog.Logger) *Client {
	return &Client{
		orchestratorURL: orchestratorURL,
		nodeID:          nodeID,
		client:          &http.Client{Timeout: 10 * time.Second},
		log:             log,
	}
}

// Enabled reports whether an orchestrator is configured.
func (c *Client) Enabled() bool {
	return c.orchestratorURL != ""
}

// Register announces the node to the orchestrator.
func (c *Client) Register(ctx context.Context, info RegisterInfo) error {
	if !c.Enabled() {
		return nil
	}
	info.NodeID = c.nodeID
	return c.post(ctx, fmt.Sprintf("%s/nodes/register", c.orchestratorURL), info)
}

// PushHealth sends one health snapshot to the orchestrator.
func (c *Client) PushHealth(ctx context.Context, snapshot interface{}) error {
	if !c.Enabled() {
		return nil
	}
	return c.post(ctx, fmt.Sprintf("%s/nodes/%s/health", c.orchestratorURL, c.nodeID), snapshot)
}

// ReceiveOffer polls the orchestrator for one pending SDP offer. A non-200
// status or an empty body means no offer is waiting.
func (c *Client) ReceiveOffer(ctx context.Context) (*Offer, error) {
	if !c.Enabled() {
		return nil, nil
	}

	url := fmt.Sprintf("%s/nodes/%s/offers", c.orchestratorURL, c.nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var offer Offer
	if err := json.NewDecoder(resp.Body).Decode(&offer); err != nil {
		return nil, fmt.Errorf("failed to decode offer: %w", err)
	}
	if offer.SDP == "" {
		return nil, nil
	}
	return &offer, nil
}

// SendAnswer pushes the SDP answer for a negotiated offer back to the
// orchestrator.
func (c *Client) SendAnswer(ctx context.Context, sessionID, answerSDP string) error {
	if !c.Enabled() {
		return nil
	}
	return c.post(ctx, fmt.Sprintf("%s/nodes/%s/answers", c.orchestratorURL, c.nodeID), map[string]string{
		"session_id": sessionID,
		"answer":     answerSDP,
	})
}

// PollOffers pulls offers from the orchestrator on the given interval,
// negotiates each through answer, and pushes the SDP answer back. Runs until
// ctx is cancelled. This is the pull-based counterpart to the control
// surface's POST /sessions: orchestrators behind a NAT use it instead.
func (c *Client) PollOffers(ctx context.Context, interval time.Duration, answer AnswerFunc) {
	if !c.Enabled() {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", interval).Msg("offer polling started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("offer polling stopped")
			return
		case <-ticker.C:
			offer, err := c.ReceiveOffer(ctx)
			if err != nil {
				c.log.Warn().Err(err).Msg("offer poll failed")
				continue
			}
			if offer == nil {
				continue
			}
			c.handleOffer(ctx, offer, answer)
		}
	}
}

func (c *Client) handleOffer(ctx context.Context, offer *Offer, answer AnswerFunc) {
	peerID := offer.PeerID
	if peerID == "" {
		peerID = offer.SessionID
	}

	localID, answerSDP, err := answer(peerID, offer.SDP)
	if err != nil {
		c.log.Warn().Err(err).Str("peer_id", peerID).Msg("pulled offer rejected")
		return
	}

	// The orchestrator correlates the answer by its own session id when it
	// assigned one; otherwise the local id is the only handle.
	sessionID := offer.SessionID
	if sessionID == "" {
		sessionID = localID
	}
	if err := c.SendAnswer(ctx, sessionID, answerSDP); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("answer push failed")
	}
}

// Run pushes health snapshots on the given interval until ctx is cancelled.
func (c *Client) Run(ctx context.Context, interval time.Duration, snapshot func() interface{}) {
	if !c.Enabled() {
		c.log.Info().Msg("no orchestrator configured, health reporting disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().Str("orchestrator", c.orchestratorURL).Dur("interval", interval).Msg("health reporting started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("health reporting stopped")
			return
		case <-ticker.C:
			if err := c.PushHealth(ctx, snapshot()); err != nil {
				c.log.Warn().Err(err).Msg("health push failed")
			}
		}
	}
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator returned status %d", resp.StatusCode)
	}
	return nil
}
