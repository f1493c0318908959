package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 64

var ErrBrokerClosed = errors.New("realtime broker closed")

// MemoryBroker fans events out to in-process subscribers. Each subscription
// has its own goroutine and bounded queue; a full queue drops the event for
// that subscriber only.
type MemoryBroker struct {
	mu        sync.RWMutex
	subs      map[uint64]*memorySubscription
	nextID    uint64
	queueSize int
	closed    bool
	logger    zerolog.Logger
}

type memorySubscription struct {
	id      uint64
	filter  Filter
	handler Handler
	queue   chan Event
	done    chan struct{}
	once    sync.Once
	broker  *MemoryBroker
}

func NewMemoryBroker(logger zerolog.Logger) *MemoryBroker {
	return NewMemoryBrokerWithQueue(logger, defaultQueueSize)
}

func NewMemoryBrokerWithQueue(logger zerolog.Logger, queueSize int) *MemoryBroker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &MemoryBroker{
		subs:      make(map[uint64]*memorySubscription),
		queueSize: queueSize,
		logger:    logger.With().Str("component", "realtime").Logger(),
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("realtime: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		filter:  filter,
		handler: handler,
		queue:   make(chan Event, b.queueSize),
		done:    make(chan struct{}),
		broker:  b,
	}
	b.subs[sub.id] = sub
	metrics.RealtimeSubscriptions.Inc()

	go sub.run()
	return sub, nil
}

func (b *MemoryBroker) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}

	metrics.RealtimeEventsPublished.WithLabelValues(event.Table, string(event.Type)).Inc()
	for _, sub := range b.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			metrics.RealtimeEventsDropped.Inc()
			b.logger.Warn().
				Str("filter", sub.filter.String()).
				Str("type", string(event.Type)).
				Msg("subscriber queue full, dropping event")
		}
	}
	return nil
}

// Len reports the number of live subscriptions.
func (b *MemoryBroker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (b *MemoryBroker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; ok {
		delete(b.subs, id)
		metrics.RealtimeSubscriptions.Dec()
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(event)
		}
	}
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s.id)
		close(s.done)
	})
}
