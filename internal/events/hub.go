// Package events fans task updates out to server-sent event subscribers.
package events

import (
	"context"
	"sync/atomic"
)

// Publisher is the write side of the hub used by the coordinator.
type Publisher interface {
	Publish(topic string, msg []byte)
}

// Hub manages topic subscribers. A single Run goroutine owns the topic map;
// Subscribe, Unsubscribe and Publish only talk to it through channels.
type Hub struct {
	topics map[string]map[chan []byte]struct{}

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicMessage
	done        chan struct{}

	dropped atomic.Int64
}

type subscription struct {
	ch    chan []byte
	topic string
}

type topicMessage struct {
	topic string
	msg   []byte
}

// NewHub returns a hub with a buffered publish queue of size buffer (default 256).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		topics:      make(map[string]map[chan []byte]struct{}),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicMessage, buffer),
		done:        make(chan struct{}),
	}
}

// Run processes hub operations until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]struct{})
				h.topics[s.topic] = subs
			}
			subs[s.ch] = struct{}{}
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case tm := <-h.publish:
			for ch := range h.topics[tm.topic] {
				select {
				case ch <- tm.msg:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

// Publish queues msg for every subscriber of topic. It never blocks: when the
// queue is full or the hub has stopped the message is dropped.
func (h *Hub) Publish(topic string, msg []byte) {
	select {
	case h.publish <- topicMessage{topic: topic, msg: msg}:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

// Subscribe registers ch for topic. The caller owns ch and must Unsubscribe
// before discarding it. It returns false if the hub has stopped.
func (h *Hub) Subscribe(ch chan []byte, topic string) bool {
	select {
	case h.subscribe <- subscription{ch: ch, topic: topic}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unsubscribe(ch chan []byte, topic string) {
	select {
	case h.unsubscribe <- subscription{ch: ch, topic: topic}:
	case <-h.done:
	}
}

// Dropped reports how many messages were discarded for slow subscribers or a full queue.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Done is closed once Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
