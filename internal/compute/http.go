package compute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend calls an inference service over HTTP: the raw JPEG frame is
// POSTed and the transformed JPEG comes back in the response body.
type HTTPBackend struct {
	endpoint string
	client   *http.Client
}

func NewHTTPBackend(endpoint string, requestTimeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (b *HTTPBackend) Transform(ctx context.Context, frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrInvalidInput
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to build transform request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ErrInvalidInput
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrUnavailable)
	}
	return out, nil
}
