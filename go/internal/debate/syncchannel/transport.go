// Package syncchannel carries scheduling snapshots between peers over a
// best-effort broadcast primitive: at-least-once, unordered, unacknowledged,
// possibly echoed back to the sender.
package syncchannel

import (
	"context"
	"slices"
	"sync"
)

// Transport is a room-scoped broadcast primitive.
type Transport interface {
	// Broadcast sends payload to every peer in the room. It does not wait for
	// delivery.
	Broadcast(ctx context.Context, eventType string, payload []byte) error
	// OnEvent registers a handler for frames of eventType.
	OnEvent(eventType string, handler func(payload []byte)) error
}

// MemoryBus is an in-process broadcast domain. Every attached endpoint receives
// every frame, the sender included. Delivery is synchronous.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[*MemoryTransport]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[*MemoryTransport]struct{})}
}

// Attach returns a new endpoint on the bus.
func (b *MemoryBus) Attach() *MemoryTransport {
	t := &MemoryTransport{bus: b, handlers: make(map[string][]func([]byte))}
	b.mu.Lock()
	b.endpoints[t] = struct{}{}
	b.mu.Unlock()
	return t
}

func (b *MemoryBus) detach(t *MemoryTransport) {
	b.mu.Lock()
	delete(b.endpoints, t)
	b.mu.Unlock()
}

func (b *MemoryBus) publish(eventType string, payload []byte) {
	b.mu.RLock()
	targets := make([]*MemoryTransport, 0, len(b.endpoints))
	for t := range b.endpoints {
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	for _, t := range targets {
		t.deliver(eventType, payload)
	}
}

// MemoryTransport is one peer's endpoint on a MemoryBus.
type MemoryTransport struct {
	bus *MemoryBus

	mu       sync.RWMutex
	handlers map[string][]func([]byte)
	closed   bool
}

func (t *MemoryTransport) Broadcast(_ context.Context, eventType string, payload []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	frame := make([]byte, len(payload))
	copy(frame, payload)
	t.bus.publish(eventType, frame)
	return nil
}

func (t *MemoryTransport) OnEvent(eventType string, handler func(payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.handlers[eventType] = append(t.handlers[eventType], handler)
	return nil
}

// Close detaches the endpoint. Further broadcasts fail and nothing more is delivered.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = nil
	t.mu.Unlock()

	t.bus.detach(t)
	return nil
}

func (t *MemoryTransport) deliver(eventType string, payload []byte) {
	t.mu.RLock()
	handlers := slices.Clone(t.handlers[eventType])
	t.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
