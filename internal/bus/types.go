// Package bus fans server-side events out to stream subscribers. The job
// runner and agent observers publish here; the gateway's SSE and WebSocket
// mirrors subscribe.
package bus

import "sync"

// Event is one broadcast event. Name is a pkg/protocol frame type; the
// gateway mirrors events onto the wire verbatim. JobID scopes job streams
// and AgentID tags orchestration workers.
type Event struct {
	Name    string      `json:"name"`
	JobID   string      `json:"job_id,omitempty"`
	AgentID string      `json:"agent_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway and the job runner to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageBus is the in-process EventPublisher. Handlers run synchronously
// on the broadcaster's goroutine; slow subscribers must buffer.
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

func NewMessageBus() *MessageBus {
	return &MessageBus{subscribers: make(map[string]EventHandler)}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
