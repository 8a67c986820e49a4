package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/result"
)

// SheddingPolicy governs what Enqueue does once a band is at highWater,
// per §4.3. Default is Block for normal/high, RejectNew for low.
type SheddingPolicy string

const (
	PolicyBlock         SheddingPolicy = "block"
	PolicyDropOldestLow SheddingPolicy = "drop-oldest-of-band(low)"
	PolicyRejectNew     SheddingPolicy = "reject-new"
)

const numBands = 4

func bandIndex(p Priority) int { return int(p) }

// Config parameterizes a Queue. 0 < LowWater < HighWater < Capacity.
type Config struct {
	Capacity   int
	HighWater  int
	LowWater   int
	Policies   map[Priority]SheddingPolicy
}

func defaultPolicies() map[Priority]SheddingPolicy {
	return map[Priority]SheddingPolicy{
		PriorityLow:      PolicyRejectNew,
		PriorityNormal:   PolicyBlock,
		PriorityHigh:     PolicyBlock,
		PriorityCritical: PolicyBlock,
	}
}

// Queue is the bounded, priority-aware MPSC queue §4.3 describes: strict
// priority across bands, strict FIFO within a band, watermark-driven
// backpressure, and an explicit close/drain lifecycle.
type Queue struct {
	mu       sync.Mutex
	bands    [numBands][]Message
	size     int
	capacity int
	high     int
	low      int
	policies map[Priority]SheddingPolicy
	closed   bool
	reason   string
	notEmpty chan struct{}
	notFull  chan struct{}
	log      *zap.SugaredLogger
	name     string
}

// New builds a Queue. Zero Capacity/HighWater/LowWater fall back to
// 1024/768/256.
func New(name string, cfg Config, log *zap.SugaredLogger) *Queue {
	capacity, high, low := cfg.Capacity, cfg.HighWater, cfg.LowWater
	if capacity <= 0 {
		capacity = 1024
	}
	if high <= 0 || high >= capacity {
		high = capacity * 3 / 4
		if high == 0 {
			high = capacity
		}
	}
	if low <= 0 || low >= high {
		low = high / 3
	}
	policies := cfg.Policies
	if policies == nil {
		policies = defaultPolicies()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		capacity: capacity, high: high, low: low, policies: policies,
		notEmpty: make(chan struct{}), notFull: make(chan struct{}), log: log, name: name,
	}
}

// Enqueue adds msg, applying the configured shedding policy once the
// message's band is at highWater. Blocks (respecting ctx) under the block
// policy; fails with Overflow under reject-new or at hard capacity; drops
// the oldest low-band message under drop-oldest-of-band(low).
func (q *Queue) Enqueue(ctx context.Context, msg Message) result.Result[struct{}] {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return result.Err[struct{}](result.New(result.CategoryValidation, "QueueClosed", "queue "+q.name+" is closed: "+q.reason))
		}

		if q.size >= q.capacity {
			policy := q.policies[msg.Priority]
			if policy == PolicyDropOldestLow && q.dropOldestLowLocked() {
				// freed a slot, fall through to push below
			} else {
				q.mu.Unlock()
				return result.Err[struct{}](result.New(result.CategoryBusiness, "Overflow", "queue "+q.name+" is at hard capacity"))
			}
		} else if q.size >= q.high {
			switch q.policies[msg.Priority] {
			case PolicyRejectNew:
				q.mu.Unlock()
				return result.Err[struct{}](result.New(result.CategoryBusiness, "Overflow", "queue "+q.name+" band "+msg.Priority.String()+" is at high watermark"))
			case PolicyDropOldestLow:
				q.dropOldestLowLocked()
			default: // block
				wait := q.notFull
				q.mu.Unlock()
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return result.Err[struct{}](result.New(result.CategoryCancelled, "Overflow", "enqueue deadline elapsed while parked at high watermark"))
				}
			}
		}

		q.pushLocked(msg)
		q.mu.Unlock()
		return result.Ok(struct{}{})
	}
}

// Dequeue suspends until a message is available, ctx is done, or the
// queue closes and drains empty.
func (q *Queue) Dequeue(ctx context.Context) result.Result[Message] {
	for {
		q.mu.Lock()
		if msg, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return result.Ok(msg)
		}
		if q.closed {
			q.mu.Unlock()
			return result.Err[Message](result.New(result.CategoryValidation, "QueueClosed", "queue "+q.name+" is closed and drained: "+q.reason))
		}
		wait := q.notEmpty
		q.mu.Unlock()
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return result.Err[Message](result.New(result.CategoryCancelled, "Cancelled", "dequeue cancelled"))
		}
	}
}

// TryDequeue is the non-blocking variant; ok is false if nothing is ready.
func (q *Queue) TryDequeue() (msg Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Close drains to consumers then rejects further Enqueue calls.
func (q *Queue) Close(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.reason = reason
	q.broadcast(&q.notEmpty)
	q.broadcast(&q.notFull)
}

// Len returns the total queued message count across all bands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// BandLen returns the queued message count for one priority band.
func (q *Queue) BandLen(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bands[bandIndex(p)])
}

func (q *Queue) pushLocked(msg Message) {
	b := bandIndex(msg.Priority)
	q.bands[b] = append(q.bands[b], msg)
	q.size++
	observeQueueDepth(q.name, msg.Priority.String(), len(q.bands[b]))
	q.broadcast(&q.notEmpty)
}

// popLocked dequeues from the highest non-empty band, strict FIFO within it.
func (q *Queue) popLocked() (Message, bool) {
	for b := numBands - 1; b >= 0; b-- {
		if len(q.bands[b]) == 0 {
			continue
		}
		msg := q.bands[b][0]
		q.bands[b] = q.bands[b][1:]
		q.size--
		observeQueueDepth(q.name, msg.Priority.String(), len(q.bands[b]))
		if q.size <= q.low {
			q.broadcast(&q.notFull)
		}
		return msg, true
	}
	return Message{}, false
}

// dropOldestLowLocked evicts the oldest low-band message, if any, to make
// room under the drop-oldest-of-band(low) policy.
func (q *Queue) dropOldestLowLocked() bool {
	b := bandIndex(PriorityLow)
	if len(q.bands[b]) == 0 {
		return false
	}
	dropped := q.bands[b][0]
	q.bands[b] = q.bands[b][1:]
	q.size--
	q.log.Warnw("dropped oldest low-priority message under backpressure", "queue", q.name, "droppedID", dropped.ID)
	return true
}

// broadcast wakes every waiter on *ch by closing it, then installs a fresh
// channel so future waiters block until the next state change.
func (q *Queue) broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
