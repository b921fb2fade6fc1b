package compute

import (
	"context"
	"errors"
)

// Backend is the contract for the face-swap model service: one frame in, one
// transformed frame out. Implementations do no buffering and no reordering
// beyond the single in-flight call; callers are expected to invoke Transform
// from a bounded worker pool, never inline on the transport receive path.
type Backend interface {
	// Transform runs the face-identity substitution on a single encoded
	// frame and returns the transformed frame. The context carries the
	// per-frame compute budget.
	Transform(ctx context.Context, frame []byte) ([]byte, error)
}

// Failure kinds surfaced by backends.
var (
	// ErrUnavailable means the model is not loaded or the GPU resource is
	// exhausted. Retryable at the session level: the frame is dropped and
	// the session stays alive.
	ErrUnavailable = errors.New("compute backend unavailable")

	// ErrInvalidInput means the frame was malformed. Not retryable; the
	// frame is dropped.
	ErrInvalidInput = errors.New("invalid input frame")

	// ErrTimeout means the per-frame compute budget was exceeded. The frame
	// is dropped to protect latency, never retried.
	ErrTimeout = errors.New("compute budget exceeded")
)

// Kind labels a backend failure for drop accounting and health reporting.
type Kind string

const (
	KindNone         Kind = ""
	KindUnavailable  Kind = "backend_unavailable"
	KindInvalidInput Kind = "invalid_input"
	KindTimeout      Kind = "timeout"
)

// KindOf classifies a Transform error. Unknown errors count as unavailable,
// the only retryable kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnavailable
	}
}

// Noop is a passthrough backend used when no model service is attached.
type Noop struct{}

func (Noop) Transform(_ context.Context, frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrInvalidInput
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}
