// Package events implements the plan-lifecycle broadcast bus. Delivery is
// best effort: a full buffer or a closed bus degrades to a no-op so the
// triggering operation never fails on a broadcast.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Topic identifies one of the four plan-lifecycle channels.
type Topic string

const (
	TopicPlanRequest  Topic = "plan-request"
	TopicPlanResponse Topic = "plan-response"
	TopicPlanUpdate   Topic = "plan-update"
	TopicPlanComplete Topic = "plan-complete"
)

// PlanEvent is the envelope carried on every topic.
type PlanEvent struct {
	PlanID    string         `json:"plan_id"`
	Topic     Topic          `json:"topic"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscriber receives plan events.
type Subscriber interface {
	// ID returns the unique subscriber identifier.
	ID() string

	// Topics returns the topics of interest. Empty means all topics.
	Topics() []Topic

	// PlanID scopes the subscription to one plan. Empty means all plans.
	PlanID() string

	// OnEvent is called for each matching event.
	OnEvent(event *PlanEvent) error
}

// Bus fans plan events out to subscribers through a buffered dispatch
// goroutine.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber

	buffer chan *PlanEvent
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	logger *slog.Logger
}

// NewBus creates a bus with the given buffer size (defaults to 1000).
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		buffer: make(chan *PlanEvent, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wg.Add(1)
	go b.dispatch()
}

// Publish enqueues an event. Never blocks; events are dropped when the
// buffer is full or the bus is closed.
func (b *Bus) Publish(topic Topic, planID string, payload map[string]any) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	event := &PlanEvent{
		PlanID:    planID,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	select {
	case b.buffer <- event:
	default:
		b.logger.Debug("event bus buffer full, dropping event",
			"topic", string(topic), "plan_id", planID)
	}
}

// Subscribe registers a subscriber.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subscribers = append(b.subscribers, sub)
}

// Unsubscribe removes a subscriber by id.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.ID() != subscriberID {
			filtered = append(filtered, sub)
		}
	}
	b.subscribers = filtered
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(event *PlanEvent) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matches(sub, event) {
			continue
		}
		if err := sub.OnEvent(event); err != nil {
			b.logger.Debug("subscriber rejected event",
				"subscriber", sub.ID(), "topic", string(event.Topic), "error", err)
		}
	}
}

func matches(sub Subscriber, event *PlanEvent) bool {
	if planID := sub.PlanID(); planID != "" && planID != event.PlanID {
		return false
	}
	topics := sub.Topics()
	if len(topics) == 0 {
		return true
	}
	for _, topic := range topics {
		if topic == event.Topic {
			return true
		}
	}
	return false
}

// Close shuts the bus down and waits for the dispatch goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// =============================================================================
// Func Subscriber
// =============================================================================

// FuncSubscriber adapts a function to the Subscriber interface.
type FuncSubscriber struct {
	SubID     string
	SubTopics []Topic
	SubPlanID string
	Fn        func(event *PlanEvent) error
}

func (f *FuncSubscriber) ID() string      { return f.SubID }
func (f *FuncSubscriber) Topics() []Topic { return f.SubTopics }
func (f *FuncSubscriber) PlanID() string  { return f.SubPlanID }

func (f *FuncSubscriber) OnEvent(event *PlanEvent) error { return f.Fn(event) }
