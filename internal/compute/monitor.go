package compute

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"gpu-node/internal/observability"
)

// DefaultUnavailableThreshold is how many consecutive unavailable failures
// mark the backend degraded.
const DefaultUnavailableThreshold = 3

// Monitor wraps a Backend and derives its availability from observed call
// outcomes. Invalid-input and timeout failures prove the backend is alive;
// only an unbroken run of unavailable failures flips Available to false.
type Monitor struct {
	backend   Backend
	threshold int64

	consecutiveUnavailable atomic.Int64
	totalFailures          atomic.Int64
	totalCalls             atomic.Int64
}

func NewMonitor(backend Backend, threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultUnavailableThreshold
	}
	return &Monitor{backend: backend, threshold: int64(threshold)}
}

func (m *Monitor) Transform(ctx context.Context, frame []byte) ([]byte, error) {
	start := time.Now()
	out, err := m.backend.Transform(ctx, frame)
	observability.RecordComputeLatency(time.Since(start))

	m.totalCalls.Add(1)
	if err != nil {
		m.totalFailures.Add(1)
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrTimeout) {
			m.consecutiveUnavailable.Store(0)
		} else {
			m.consecutiveUnavailable.Add(1)
		}
		return nil, err
	}

	m.consecutiveUnavailable.Store(0)
	return out, nil
}

// Available reports whether the backend looks reachable.
func (m *Monitor) Available() bool {
	return m.consecutiveUnavailable.Load() < m.threshold
}

// Calls returns total and failed Transform counts since start.
func (m *Monitor) Calls() (total, failed int64) {
	return m.totalCalls.Load(), m.totalFailures.Load()
}
