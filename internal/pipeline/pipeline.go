package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpu-node/internal/compute"
	"gpu-node/internal/observability"
)

// Submitter dispatches compute jobs onto the shared worker pool.
type Submitter interface {
	TrySubmit(job func()) bool
}

// Options tune one session's pipeline. Zero values fall back to defaults.
type Options struct {
	QueueCapacity int           // inbound queue bound K
	Parallelism   int           // concurrent compute jobs for this session
	FrameDeadline time.Duration // end-to-end latency budget per frame
	ComputeBudget time.Duration // per-frame compute budget
}

func (o *Options) applyDefaults() {
	if o.QueueCapacity < 1 {
		o.QueueCapacity = 3
	}
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.FrameDeadline <= 0 {
		o.FrameDeadline = 100 * time.Millisecond
	}
	if o.ComputeBudget <= 0 {
		o.ComputeBudget = o.FrameDeadline
	}
}

// Stats is a point-in-time snapshot of one pipeline's counters.
type Stats struct {
	QueueDepth      int    `json:"queue_depth"`
	InFlight        int    `json:"in_flight"`
	Received        uint64 `json:"received"`
	Emitted         uint64 `json:"emitted"`
	DroppedOverflow  uint64 `json:"dropped_overflow"`
	DroppedStale     uint64 `json:"dropped_stale"`
	DroppedLate      uint64 `json:"dropped_late"`
	DroppedCompute   uint64 `json:"dropped_compute"`
	DroppedDrain     uint64 `json:"dropped_drain"`
	DroppedSaturated uint64 `json:"dropped_saturated"`
	LastEmittedSeq   uint64 `json:"last_emitted_seq"`
}

func (s Stats) Dropped() uint64 {
	return s.DroppedOverflow + s.DroppedStale + s.DroppedLate +
		s.DroppedCompute + s.DroppedDrain + s.DroppedSaturated
}

// Pipeline moves one session's frames through ingestion, transform and
// emission. Ingestion assigns sequence numbers and applies the drop-oldest
// policy; compute jobs run on the shared pool; emission is guarded so the
// emitted sequence is strictly increasing even when jobs complete out of
// order.
type Pipeline struct {
	mu   sync.Mutex
	opts Options

	backend compute.Backend
	pool    Submitter
	log     zerolog.Logger
	now     func() time.Time

	queue       *inboundQueue
	nextSeq     uint64
	inFlight    int
	lastEmitted uint64

	draining      bool
	drainedClosed bool
	drained       chan struct{}
	closed        bool

	outbound   chan *Frame
	senderDone chan struct{}
	sendMu     sync.RWMutex
	sender     func(data []byte) error

	received         uint64
	emitted          uint64
	droppedOverflow  uint64
	droppedStale     uint64
	droppedLate      uint64
	droppedCompute   uint64
	droppedDrain     uint64
	droppedSaturated uint64
}

func New(opts Options, backend compute.Backend, pool Submitter, log zerolog.Logger) *Pipeline {
	opts.applyDefaults()
	p := &Pipeline{
		opts:       opts,
		backend:    backend,
		pool:       pool,
		log:        log,
		now:        time.Now,
		queue:      newInboundQueue(opts.QueueCapacity),
		drained:    make(chan struct{}),
		outbound:   make(chan *Frame, opts.QueueCapacity),
		senderDone: make(chan struct{}),
	}
	go p.sendLoop()
	return p
}

// SetSender installs the outbound transport write. Until it is set,
// transformed frames queue up in the bounded outbound buffer and the oldest
// are discarded on overflow.
func (p *Pipeline) SetSender(fn func(data []byte) error) {
	p.sendMu.Lock()
	p.sender = fn
	p.sendMu.Unlock()
}

// Push ingests a raw frame from the transport. Never blocks: if the inbound
// queue is at capacity the oldest queued frame is evicted.
func (p *Pipeline) Push(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		p.dropLocked(DropDrain)
		return
	}

	now := p.now()
	p.nextSeq++
	frame := &Frame{
		Seq:        p.nextSeq,
		Data:       data,
		CapturedAt: now,
		Deadline:   now.Add(p.opts.FrameDeadline),
	}

	p.received++
	observability.RecordFrameReceived()

	if evicted := p.queue.Push(frame); evicted != nil {
		p.droppedOverflow++
		observability.RecordFrameDropped(DropOverflow)
	}

	p.dispatchLocked()
}

// dispatchLocked starts compute jobs while capacity allows, skipping frames
// that went stale in the queue. Caller holds p.mu.
func (p *Pipeline) dispatchLocked() {
	for p.inFlight < p.opts.Parallelism {
		frame := p.queue.Pop()
		if frame == nil {
			return
		}
		if frame.Expired(p.now()) {
			p.droppedStale++
			observability.RecordFrameDropped(DropStale)
			continue
		}
		if !p.pool.TrySubmit(func() { p.run(frame) }) {
			p.dropLocked(DropNoWorker)
			continue
		}
		p.inFlight++
	}
}

// run executes one compute job. Runs on a pool worker, never on the
// transport path. Holds a copy of the frame, no registry references.
func (p *Pipeline) run(frame *Frame) {
	deadline := frame.Deadline
	if budget := p.now().Add(p.opts.ComputeBudget); budget.Before(deadline) {
		deadline = budget
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	out, err := p.backend.Transform(ctx, frame.Data)
	p.complete(frame, out, err)
}

func (p *Pipeline) complete(frame *Frame, out []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inFlight--

	switch {
	case err != nil:
		p.droppedCompute++
		kind := compute.KindOf(err)
		observability.RecordFrameDropped(string(kind))
		p.log.Debug().Uint64("seq", frame.Seq).Str("kind", string(kind)).Msg("frame dropped by compute backend")
	default:
		p.emitLocked(&Frame{
			Seq:        frame.Seq,
			Data:       out,
			CapturedAt: frame.CapturedAt,
			Deadline:   frame.Deadline,
		})
	}

	if p.draining {
		if p.inFlight == 0 && !p.drainedClosed {
			p.drainedClosed = true
			close(p.drained)
		}
		return
	}
	p.dispatchLocked()
}

// emitLocked enforces the ordering invariant: a result is emitted only while
// its deadline holds and no newer frame has been emitted. Caller holds p.mu.
func (p *Pipeline) emitLocked(frame *Frame) {
	if frame.Expired(p.now()) || frame.Seq <= p.lastEmitted {
		p.droppedLate++
		observability.RecordFrameDropped(DropLate)
		return
	}
	p.lastEmitted = frame.Seq
	p.emitted++
	observability.RecordFrameEmitted()

	if p.closed {
		return
	}
	select {
	case p.outbound <- frame:
	default:
		// Outbound full: evict the oldest buffered frame for the new one.
		select {
		case <-p.outbound:
			p.droppedLate++
			observability.RecordFrameDropped(DropLate)
		default:
		}
		select {
		case p.outbound <- frame:
		default:
		}
	}
}

func (p *Pipeline) dropLocked(reason string) {
	switch reason {
	case DropDrain:
		p.droppedDrain++
	case DropNoWorker:
		p.droppedSaturated++
	}
	observability.RecordFrameDropped(reason)
}

func (p *Pipeline) sendLoop() {
	defer close(p.senderDone)

	for frame := range p.outbound {
		p.sendMu.RLock()
		send := p.sender
		p.sendMu.RUnlock()
		if send == nil {
			continue
		}
		if err := send(frame.Data); err != nil {
			p.log.Debug().Uint64("seq", frame.Seq).Err(err).Msg("outbound send failed")
		}
	}
}

// Drain stops intake, discards queued frames, waits for in-flight jobs to
// finish or time out, then flushes the outbound buffer. Jobs still running
// when ctx expires are abandoned; their results are discarded on arrival.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		for range p.queue.Clear() {
			p.dropLocked(DropDrain)
		}
		if p.inFlight == 0 && !p.drainedClosed {
			p.drainedClosed = true
			close(p.drained)
		}
	}
	p.mu.Unlock()

	var err error
	select {
	case <-p.drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.outbound)
	}
	p.mu.Unlock()

	<-p.senderDone
	return err
}

// Configure applies per-session option changes at runtime. Zero values keep
// the current setting.
func (p *Pipeline) Configure(parallelism int, frameDeadline time.Duration, queueCapacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if parallelism > 0 {
		p.opts.Parallelism = parallelism
	}
	if frameDeadline > 0 {
		p.opts.FrameDeadline = frameDeadline
	}
	if queueCapacity > 0 {
		for range p.queue.SetCapacity(queueCapacity) {
			p.droppedOverflow++
			observability.RecordFrameDropped(DropOverflow)
		}
	}
	if !p.draining {
		p.dispatchLocked()
	}
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueDepth:       p.queue.Len(),
		InFlight:         p.inFlight,
		Received:         p.received,
		Emitted:          p.emitted,
		DroppedOverflow:  p.droppedOverflow,
		DroppedStale:     p.droppedStale,
		DroppedLate:      p.droppedLate,
		DroppedCompute:   p.droppedCompute,
		DroppedDrain:     p.droppedDrain,
		DroppedSaturated: p.droppedSaturated,
		LastEmittedSeq:   p.lastEmitted,
	}
}
