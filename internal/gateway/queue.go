package gateway

import (
	"sync"
	"time"

	"github.com/deltastream/deltastream/internal/metrics"
)

// sendQueue is a session's bounded outbound buffer. On overflow the oldest
// non-control frame is shed; if a full queue's worth of frames is shed
// within the overflow window the consumer is declared slow and the session
// must be closed. Control frames may overflow to at most twice capacity,
// past which the consumer is declared slow outright.
type sendQueue struct {
	mu       sync.Mutex
	frames   []outFrame
	capacity int
	closed   bool

	dropCount   int
	windowStart time.Time

	ready chan struct{} // signals the write pump, capacity 1
}

const overflowWindow = 5 * time.Second

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &sendQueue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// push enqueues a frame. Returns slow=true once sustained overflow crosses
// the threshold; the caller closes the session.
func (q *sendQueue) push(f outFrame) (slow bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	if len(q.frames) >= q.capacity {
		switch {
		case q.dropOldestDroppable():
			if q.recordDrop() {
				q.frames = append(q.frames, f)
				q.signal()
				return true
			}
		case !f.control:
			// Queue full of protected frames; shed the incoming frame
			// instead.
			return q.recordDrop()
		case len(q.frames) >= 2*q.capacity:
			// Protected frames get a ceiling too: a queue this deep in
			// control frames means the consumer is not draining at all.
			return true
		}
	}

	q.frames = append(q.frames, f)
	q.signal()
	return false
}

// recordDrop counts a shed frame against the sliding overflow window.
func (q *sendQueue) recordDrop() bool {
	metrics.DroppedFrames.Inc()
	now := time.Now()
	if now.Sub(q.windowStart) > overflowWindow {
		q.windowStart = now
		q.dropCount = 0
	}
	q.dropCount++
	return q.dropCount >= q.capacity
}

func (q *sendQueue) dropOldestDroppable() bool {
	for i, f := range q.frames {
		if !f.control {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			return true
		}
	}
	return false
}

func (q *sendQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop removes the head frame. ok=false when the queue is empty.
func (q *sendQueue) pop() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return outFrame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	if len(q.frames) > 0 {
		q.signal()
	}
	return f, true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.frames = nil
}
