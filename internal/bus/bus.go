package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Event     string    `json:"event"`
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Envelope names.
const (
	AuditAppended        = "audit.appended"
	SignalReceived       = "signal.received"
	IssueStatusChanged   = "issue.status_changed"
	WorkflowStatusChange = "workflow.status_changed"
	StepStatusChanged    = "step.status_changed"
)

// Publisher is implemented by anything that accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Delivery is at most once: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	next    uint64
	buffer  int
	dropped atomic.Uint64
	log     *slog.Logger
	onDrop  func()
}

type Subscription struct {
	id   uint64
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// C returns the receive channel; it is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// New returns a bus whose subscriptions buffer up to buffer events.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: map[uint64]*Subscription{}, buffer: buffer, log: logger.With("component", "bus")}
}

// OnDrop registers a hook invoked for every dropped delivery.
func (b *Bus) OnDrop(fn func()) { b.onDrop = fn }

func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	s := &Subscription{id: b.next, ch: make(chan Event, b.buffer), bus: b}
	b.subs[s.id] = s
	return s
}

// Publish never blocks. Subscribers are held under the read lock while
// sending, so Close cannot race a send on a closed channel.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- evt:
		default:
			n := b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			if n&(n-1) == 0 {
				b.log.Warn("subscriber too slow, dropping events", "subscriber", s.id, "dropped_total", n)
			}
		}
	}
}

// Dropped reports how many deliveries were skipped.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
