// Package eventbus carries domain notifications — cron runs,
// workflow transitions, memory ingestion — from the packages that
// produce them to the IPC surface's websocket push. Publication is
// fire-and-forget: a full buffer drops the event rather than stalling
// the producer.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics published by the core pipeline. Subscribers may also use
// TopicAll to receive everything.
const (
	TopicCronFired          = "cron.fired"
	TopicWorkflowTransition = "workflow.transitioned"
	TopicMemoryIngested     = "memory.ingested"
	TopicAll                = "*"
)

// Event is one published notification.
type Event struct {
	Topic   string
	At      time.Time
	Payload any
}

// Handler consumes events for one topic subscription.
type Handler func(ctx context.Context, ev Event)

// Bus is the publish side handed to cron/workflow (via their local
// EventPublisher ports) and the subscribe side used by the IPC server.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any)
	Subscribe(topic string, h Handler)
	Close()
}

// InMemoryBus fans events out from a single dispatch goroutine.
// Handlers run sequentially in subscription order; a panicking
// handler is logged and skipped, never crashing the dispatcher.
type InMemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	queue  chan queued
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

type queued struct {
	ctx context.Context
	ev  Event
}

func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	b := &InMemoryBus{
		subs:   make(map[string][]Handler),
		queue:  make(chan queued, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go b.run()
	return b
}

// Publish enqueues an event without blocking. When the buffer is full
// the event is dropped and counted in the log — producers (cron fire
// path, workflow advancement) must never stall on a slow subscriber.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.queue <- queued{ctx: ctx, ev: Event{Topic: topic, At: time.Now(), Payload: payload}}:
	default:
		b.logger.Warn("eventbus: buffer full, event dropped", zap.String("topic", topic))
	}
}

// Subscribe registers h for topic ("*" receives every event).
// There is no unsubscribe: subscriptions live for the process, which
// matches the IPC server's lifetime.
func (b *InMemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], h)
	b.mu.Unlock()
}

// Close stops accepting publications and waits for the queue to drain.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	b.logger.Info("eventbus: closed")
}

func (b *InMemoryBus) run() {
	defer close(b.done)
	for q := range b.queue {
		b.deliver(q.ctx, q.ev)
	}
}

func (b *InMemoryBus) deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.subs[ev.Topic]...), b.subs[TopicAll]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, ev, h)
	}
}

func (b *InMemoryBus) invoke(ctx context.Context, ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panicked",
				zap.String("topic", ev.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, ev)
}
