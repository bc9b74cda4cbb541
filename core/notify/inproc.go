package notify

import (
	"context"
	"sync"
)

// Inproc is a process-local Bus. Handlers run synchronously on the
// publisher's goroutine.
type Inproc struct {
	mu       sync.Mutex
	handlers []func(Event)
}

// NewInproc returns an in-process bus
func NewInproc() *Inproc {
	return &Inproc{}
}

// Publish implements Bus
func (b *Inproc) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, handle := range handlers {
		handle(event)
	}
	return nil
}

// Subscribe implements Bus
func (b *Inproc) Subscribe(ctx context.Context, handle func(Event)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handle)
	b.mu.Unlock()
	return nil
}
