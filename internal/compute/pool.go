package compute

import (
	"sync"

	"github.com/rs/zerolog"
)

// Pool is the bounded worker pool shared by all sessions' compute jobs. The
// GPU behind the backend is a scarce resource, so the pool size stays small
// and submission never blocks the caller.
type Pool struct {
	jobs   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewPool starts size workers draining a queue of queueSize jobs.
func NewPool(size, queueSize int, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 1 {
		queueSize = size * 2
	}
	p := &Pool{
		jobs:   make(chan func(), queueSize),
		stopCh: make(chan struct{}),
		log:    log,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Info().Int("workers", size).Msg("compute pool started")
	return p
}

// TrySubmit queues a job without blocking. Returns false when the pool queue
// is saturated or the pool is stopping.
func (p *Pool) TrySubmit(job func()) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}

	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.log.Info().Msg("compute pool stopped")
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			job()
		}
	}
}
