package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"keyrxd/internal/logging"
	"keyrxd/internal/platform"
)

// DefaultQueueSize bounds the capture queue.
const DefaultQueueSize = 1024

// Queue is a bounded FIFO between capture callbacks and the engine. Push
// never blocks: when the queue is full the oldest event is discarded so
// the newest input is never lost.
type Queue struct {
	ch       chan platform.RawEvent
	mu       sync.Mutex
	dropped  atomic.Uint64
	throttle *logging.Throttle
	log      *logging.Logger
	onDrop   func()
}

// NewQueue returns a queue holding at most size events.
func NewQueue(size int, log *logging.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = logging.Default()
	}
	return &Queue{
		ch:       make(chan platform.RawEvent, size),
		throttle: logging.NewThrottle(time.Second),
		log:      log,
	}
}

// Push enqueues ev. It reports false when an older event had to be
// dropped to make room.
func (q *Queue) Push(ev platform.RawEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	// Producers serialize the drop-and-retry so two full-queue pushes do
	// not both discard.
	q.mu.Lock()
	defer q.mu.Unlock()

	ok := true
	for {
		select {
		case q.ch <- ev:
			return ok
		default:
		}
		select {
		case old := <-q.ch:
			ok = false
			q.drop(old)
		default:
		}
	}
}

func (q *Queue) drop(old platform.RawEvent) {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
	if allow, suppressed := q.throttle.Allow(time.Now()); allow {
		q.log.Warn("event queue full, dropping oldest event",
			"device", old.Device, "capacity", cap(q.ch), "suppressed", suppressed)
	}
}

// C returns the receive side for the single consumer.
func (q *Queue) C() <-chan platform.RawEvent { return q.ch }

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns the total number of discarded events.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Drain discards everything queued and returns how many events it removed.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
