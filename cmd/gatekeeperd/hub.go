package main

import (
	"context"
	"encoding/json"
	"sync"

	"cmdgate/events"
)

// eventHub is an events.Sink that fans every event out to the currently
// connected WebSocket clients, in addition to whatever other sinks the
// daemon wires. A slow or absent client never blocks Emit: each client has
// its own bounded outbox, and a full outbox drops the oldest event rather
// than stalling the orchestrator.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[chan []byte]struct{})}
}

func (h *eventHub) Emit(_ context.Context, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	}
	return nil
}

func (h *eventHub) subscribe() chan []byte {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}
