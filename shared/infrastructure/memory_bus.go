package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/coordination-engine/shared/events"
	"github.com/sirupsen/logrus"
)

var (
	_ events.Publisher  = (*MemoryBus)(nil)
	_ events.Subscriber = (*MemoryBus)(nil)
)

type memorySubscription struct {
	pattern events.Topic
	handler events.EventHandler
}

// MemoryBus is an in-process transport for local runs and tests. Delivery
// is asynchronous and at-least-once: a failing handler gets the event
// again after RetryDelay.
type MemoryBus struct {
	RetryDelay time.Duration

	mu            sync.Mutex
	subscriptions []memorySubscription
	published     []*events.Event
	queue         chan *events.Event
	logger        *logrus.Entry
	wg            sync.WaitGroup
}

// NewMemoryBus creates a bus with the given queue capacity
func NewMemoryBus(capacity int, logger *logrus.Entry) *MemoryBus {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MemoryBus{
		RetryDelay: 100 * time.Millisecond,
		queue:      make(chan *events.Event, capacity),
		logger:     logger.WithField("component", "memory_bus"),
	}
}

// Publish records the events and queues them for delivery
func (b *MemoryBus) Publish(ctx context.Context, evts ...*events.Event) error {
	for _, evt := range evts {
		b.mu.Lock()
		b.published = append(b.published, evt.Clone())
		b.mu.Unlock()

		select {
		case b.queue <- evt.Clone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for topics matching eventType
func (b *MemoryBus) Subscribe(_ context.Context, eventType string, handler events.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = append(b.subscriptions, memorySubscription{
		pattern: events.Topic(eventType),
		handler: handler,
	})
	return nil
}

// Run dispatches queued events until ctx is done
func (b *MemoryBus) Run(ctx context.Context) error {
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		}
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, evt *events.Event) {
	b.mu.Lock()
	subs := make([]memorySubscription, len(b.subscriptions))
	copy(subs, b.subscriptions)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.pattern != "" && !evt.Topic.Matches(sub.pattern) {
			continue
		}
		if err := sub.handler.Handle(ctx, evt.Clone()); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"event_id": evt.ID,
				"topic":    evt.Topic,
			}).Warn("handler failed, scheduling redelivery")
			b.redeliver(ctx, sub, evt)
		}
	}
}

func (b *MemoryBus) redeliver(ctx context.Context, sub memorySubscription, evt *events.Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			sleep(ctx, b.RetryDelay)
			if ctx.Err() != nil {
				return
			}
			if err := sub.handler.Handle(ctx, evt.Clone()); err == nil {
				return
			}
		}
	}()
}

// Published returns a copy of every event accepted so far, in order
func (b *MemoryBus) Published() []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*events.Event, len(b.published))
	copy(out, b.published)
	return out
}
