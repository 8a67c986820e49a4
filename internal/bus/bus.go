package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

var droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agsh",
	Subsystem: "bus",
	Name:      "dropped_messages_total",
	Help:      "Messages dropped because a subscriber or tap channel was full.",
}, []string{"kind", "message_type"})

// Bus is the observable message bus backing the Workflow collaborator's
// internal role pipeline. All inter-role communication passes through it.
// Multiple consumers (Auditor, UI) can each register their own tap channel
// via NewTap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	taps        []chan types.Message
	log         *zap.SugaredLogger
}

// New creates a new Bus. A nil logger disables diagnostic logging (drop
// counts are still exported via Prometheus regardless).
func New(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
		log:         log,
	}
}

// Publish fans out msg to all subscribers of msg.Type and to the tap channel.
// Non-blocking: if a subscriber's channel is full, the message is dropped and
// counted rather than blocking the publisher.
func (b *Bus) Publish(msg types.Message) {
	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			droppedTotal.WithLabelValues("subscriber", string(msg.Type)).Inc()
			b.log.Warnw("bus: subscriber channel full, message dropped", "type", msg.Type, "from", msg.From)
		}
	}

	// Fan out to all tap channels (auditor, UI, etc.). Non-blocking.
	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()
	for _, tap := range taps {
		select {
		case tap <- msg:
		default:
			droppedTotal.WithLabelValues("tap", string(msg.Type)).Inc()
			b.log.Warnw("bus: tap channel full, message dropped", "type", msg.Type)
		}
	}
}

// Subscribe returns a receive-only channel that delivers messages of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t types.MessageType) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel.
// Each caller gets an independent channel that receives every published message.
func (b *Bus) NewTap() <-chan types.Message {
	ch := make(chan types.Message, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
