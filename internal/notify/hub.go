package notify

import (
	"sync"
)

// Hub fans messages out to subscribers of named channels. Slow subscribers
// lose messages instead of blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

type Subscriber struct {
	channel string
	ch      chan Message
}

// C returns the subscriber's message stream. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*Subscriber]struct{}{}}
}

func (h *Hub) Subscribe(channel string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	s := &Subscriber{channel: channel, ch: make(chan Message, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = map[*Subscriber]struct{}{}
	}
	h.subs[channel][s] = struct{}{}
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.channel]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.channel)
	}
	close(s.ch)
}

// Publish delivers msg to every subscriber of channel and returns how many received it.
func (h *Hub) Publish(channel string, msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for s := range h.subs[channel] {
		select {
		case s.ch <- msg:
			n++
		default:
		}
	}
	return n
}

func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// CloseAll ends every subscription, closing each stream.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, channel)
	}
}
