// Package events carries operational events from the request pipeline to
// observers such as the /v1/events websocket and the MQTT forwarder.
// Publishing never blocks and a nil *Bus discards everything, so
// producers can publish unconditionally.
package events

import (
	"sync"
	"time"
)

// Sources of events.
const (
	// SourceCompletions is the conversation orchestrator.
	SourceCompletions = "completions"
	// SourceMemory is the memory HTTP API.
	SourceMemory = "memory"
	// SourceChats is the chat transcript HTTP API.
	SourceChats = "chats"
	// SourceBackends is the backend health monitor.
	SourceBackends = "backends"
)

// Kinds of events.
const (
	// KindRequestStart marks an accepted completion request.
	// Data: request_id, model, chat_id, messages.
	KindRequestStart = "request_start"
	// KindMemoryCommand marks a slash command answered without the model.
	// Data: request_id, command, ok, code.
	KindMemoryCommand = "memory_command"
	// KindLLMCall marks the provider being invoked.
	// Data: request_id, model, backend.
	KindLLMCall = "llm_call"
	// KindRequestComplete marks a stream that finished normally.
	// Data: request_id, model, chars, persisted, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindRequestAborted marks a stream cut short by the client.
	// Data: request_id, chars, elapsed_ms.
	KindRequestAborted = "request_aborted"
	// KindRequestFailed marks a request that ended with an error event.
	// Data: request_id, code, elapsed_ms.
	KindRequestFailed = "request_failed"

	// KindMemoryChanged marks a KV or episode write through the API.
	// Data: action, key.
	KindMemoryChanged = "memory_changed"
	// KindChatMessage marks a message appended to a transcript.
	// Data: chat_id, sender.
	KindChatMessage = "chat_message"

	// KindBackendReady marks a backend that answered a probe after
	// failing or never having been checked. Data: backend, failures.
	KindBackendReady = "backend_ready"
	// KindBackendDown marks a ready backend that stopped answering.
	// Data: backend, error.
	KindBackendDown = "backend_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. A subscriber
// that falls behind loses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with a buffer of bufSize events.
// Every Subscribe must be paired with an Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
