// Package events provides a publish/subscribe bus for MCP server
// lifecycle and tool-call events. The host and any observer (a UI, a
// log shipper) subscribe; the registry publishes. Calling Publish on a
// nil *Bus is a no-op, so publishers need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRegistry identifies events from the MCP server registry.
	SourceRegistry = "registry"
	// SourceHost identifies events from the host API.
	SourceHost = "host"
)

// Kind constants describe the type of event within a source.
const (
	// KindServerStarting signals a server id was reserved and its
	// process is being launched. Data: server, command.
	KindServerStarting = "server_starting"
	// KindServerStarted signals a completed handshake.
	// Data: server, server_name.
	KindServerStarted = "server_started"
	// KindServerFailed signals a failed launch or handshake.
	// Data: server, error.
	KindServerFailed = "server_failed"
	// KindServerStopped signals an explicit stop. Data: server.
	KindServerStopped = "server_stopped"
	// KindServerExited signals the subprocess closed its stdout
	// without being stopped. Data: server.
	KindServerExited = "server_exited"

	// KindToolCall signals the start of a tools/call. Data: server, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tools/call.
	// Data: server, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindDataCleared signals the host wiped persisted conversations
	// and settings. Data: none.
	KindDataCleared = "data_cleared"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only channel handed to subscribers back to
	// the channel stored in subs, so Unsubscribe can take <-chan Event.
	recv map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. A full subscriber channel
// drops the event for that subscriber. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recv, ch)
	close(sendCh)
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
