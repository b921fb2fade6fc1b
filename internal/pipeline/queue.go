package pipeline

// inboundQueue is the bounded per-session frame buffer. When full, Push
// evicts the oldest queued frame and keeps the newest: real-time video
// favors freshness over completeness. Not safe for concurrent use; the
// pipeline serializes access under its own lock.
type inboundQueue struct {
	frames   []*Frame
	capacity int
}

func newInboundQueue(capacity int) *inboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &inboundQueue{
		frames:   make([]*Frame, 0, capacity),
		capacity: capacity,
	}
}

// Push enqueues a frame. If the queue is at capacity the oldest frame is
// evicted and returned so the caller can account for the drop.
func (q *inboundQueue) Push(f *Frame) (evicted *Frame) {
	if len(q.frames) >= q.capacity {
		evicted = q.frames[0]
		q.frames = q.frames[1:]
	}
	q.frames = append(q.frames, f)
	return evicted
}

// Pop removes and returns the oldest frame, or nil when empty.
func (q *inboundQueue) Pop() *Frame {
	if len(q.frames) == 0 {
		return nil
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f
}

func (q *inboundQueue) Len() int {
	return len(q.frames)
}

// Clear empties the queue and returns the discarded frames.
func (q *inboundQueue) Clear() []*Frame {
	dropped := q.frames
	q.frames = make([]*Frame, 0, q.capacity)
	return dropped
}

// SetCapacity shrinks or grows the bound, evicting oldest frames as needed.
func (q *inboundQueue) SetCapacity(capacity int) []*Frame {
	if capacity < 1 {
		capacity = 1
	}
	q.capacity = capacity
	var evicted []*Frame
	for len(q.frames) > capacity {
		evicted = append(evicted, q.frames[0])
		q.frames = q.frames[1:]
	}
	return evicted
}
