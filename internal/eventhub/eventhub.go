// Package eventhub is a typed, in-process publish/subscribe bus strategies
// use to observe trades, book changes, and funding updates without holding
// a reference to the tracker or funding feed internals.
//
// Subscribe returns a SubscriptionHandle the caller owns; Cancel removes
// the listener explicitly. Delivery uses one buffered channel and one
// worker goroutine per subscriber with a non-blocking publish, so a slow
// subscriber drops its own events rather than stalling the publisher.
package eventhub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"depthtracker/pkg/types"
)

const defaultBufferSize = 64

// Handler processes one published event. It must not block for long;
// handlers that need to do slow work should re-post onto their own queue.
type Handler func(event any)

type subscription struct {
	id      uint64
	topic   types.EventTopic
	handler Handler
	ch      chan any
	cancel  context.CancelFunc
}

// Hub is a synchronous-per-subscriber, concurrent-across-subscribers event
// bus. Delivery within one hub instance is single-threaded per topic
// subscriber but subscribers run independently of each other and of the
// publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[types.EventTopic]map[uint64]*subscription
	nextID atomic.Uint64
	wg     sync.WaitGroup
	logger *slog.Logger
	bufSz  int
}

// New builds an empty Hub. bufSz is the per-subscriber buffer depth
// (defaultBufferSize if zero).
func New(bufSz int, logger *slog.Logger) *Hub {
	if bufSz == 0 {
		bufSz = defaultBufferSize
	}
	return &Hub{
		subs:   make(map[types.EventTopic]map[uint64]*subscription),
		bufSz:  bufSz,
		logger: logger,
	}
}

// Subscribe registers handler for topic and returns a handle whose Cancel
// removes it. The subscription stays registered until Cancel or Close is
// called; dropping the handle without calling Cancel does not remove it.
func (h *Hub) Subscribe(topic types.EventTopic, handler Handler) types.SubscriptionHandle {
	id := h.nextID.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:      id,
		topic:   topic,
		handler: handler,
		ch:      make(chan any, h.bufSz),
		cancel:  cancel,
	}

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]*subscription)
	}
	h.subs[topic][id] = sub
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx, sub)

	return &handle{hub: h, topic: topic, id: id}
}

// Publish delivers event to every current subscriber of topic. It never
// blocks on a slow subscriber: a full buffer drops the event for that
// subscriber only, with a debug log.
func (h *Hub) Publish(topic types.EventTopic, event any) {
	h.mu.RLock()
	subs := h.subs[topic]
	targets := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- event:
		default:
			if h.logger != nil {
				h.logger.Debug("eventhub: dropping event, subscriber buffer full", "topic", topic, "subscriber", s.id)
			}
		}
	}
}

func (h *Hub) run(ctx context.Context, sub *subscription) {
	defer h.wg.Done()
	for {
		select {
		case event := <-sub.ch:
			sub.handler(event)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) unsubscribe(topic types.EventTopic, id uint64) {
	h.mu.Lock()
	subs := h.subs[topic]
	sub, ok := subs[id]
	if ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.subs, topic)
		}
	}
	h.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Close cancels every subscription and waits for their worker goroutines to
// exit.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, subs := range h.subs {
		for _, s := range subs {
			s.cancel()
		}
	}
	h.subs = make(map[types.EventTopic]map[uint64]*subscription)
	h.mu.Unlock()
	h.wg.Wait()
}

// handle implements types.SubscriptionHandle.
type handle struct {
	hub   *Hub
	topic types.EventTopic
	id    uint64
}

func (hd *handle) Cancel() { hd.hub.unsubscribe(hd.topic, hd.id) }
