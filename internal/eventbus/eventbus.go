// Package eventbus implements the master's in-process publish/subscribe
// channel. Every cross-component notification that is not a direct
// function call goes through here: schedule wake-ups, worker liveness
// changes, task failures, and shutdown.
package eventbus

import "sync"

// Topic names the fixed, closed set of events the master publishes.
type Topic string

const (
	TopicSchedule            Topic = "schedule"
	TopicWorkerIdle           Topic = "worker_idle"
	TopicWorkerFailed         Topic = "worker_failed"
	TopicTaskFailed           Topic = "task_failed"
	TopicGlobalNameAvailable  Topic = "global_name_available"
	TopicStop                Topic = "stop"
)

// Handler receives whatever payload a publisher sends for a topic. Each
// topic's concrete payload type is documented alongside its Topic
// constant's producer.
type Handler func(payload any)

type subscriber struct {
	handler  Handler
	priority bool
}

// Bus is a synchronous, in-process pub/sub dispatcher. Publish invokes
// every subscriber on the calling goroutine: priority subscribers
// (registered via SubscribePriority) first, newest first, then the others
// in subscription order.
// This mirrors the CherryPy bus the original master used: handlers run
// inline, so a slow or blocking subscriber delays every other subscriber
// and the publisher itself.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic][]subscriber
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscriber)}
}

// Subscribe registers handler for topic, to run after any existing
// priority subscribers and after other non-priority subscribers already
// registered.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscriber{handler: handler})
}

// SubscribePriority registers handler for topic ahead of every subscriber
// already registered, including earlier priority subscribers, so among
// priority subscribers the most recently registered runs first. Used so the job pool observes `stop` before the HTTP
// transport does, per spec.
func (b *Bus) SubscribePriority(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	newList := make([]subscriber, 0, len(list)+1)
	newList = append(newList, subscriber{handler: handler, priority: true})
	newList = append(newList, list...)
	b.subs[topic] = newList
}

// Publish invokes every subscriber of topic, in order, on the calling
// goroutine. Publish never blocks on anything the subscribers don't
// themselves block on.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	// Copy the slice so a handler that subscribes during Publish doesn't
	// race the iteration below.
	subs := make([]subscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(payload)
	}
}
