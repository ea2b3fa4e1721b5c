package cqrs

import (
	"context"
	"fmt"
	"sync"

	"example.com/payhub/services/ledger/domain"
)

// Message is the contract shared by commands and queries: a stable name
// for routing and self-validation that always runs before dispatch.
type Message interface {
	Name() string
	Validate() error
}

// Handler executes one message type
type Handler interface {
	Handle(ctx context.Context, msg Message) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, msg Message) (interface{}, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, msg Message) (interface{}, error) {
	return f(ctx, msg)
}

// Middleware wraps a handler with cross-cutting behavior
type Middleware func(next Handler) Handler

// Bus routes messages to exactly one registered handler per type, running
// the middleware chain around every execution. One instance serves as the
// command bus, another as the query bus.
type Bus struct {
	mu         sync.RWMutex
	kind       string
	handlers   map[string]Handler
	middleware []Middleware
}

// NewBus creates a bus. kind labels it in errors and logs ("command" or
// "query").
func NewBus(kind string, middleware ...Middleware) *Bus {
	return &Bus{
		kind:       kind,
		handlers:   make(map[string]Handler),
		middleware: middleware,
	}
}

// Register binds a handler to a message name. Registering the same name
// twice is a setup error, not a runtime condition.
func (b *Bus) Register(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("%w: %s %s", domain.ErrDuplicateHandler, b.kind, name)
	}
	b.handlers[name] = handler
	return nil
}

// MustRegister is Register for wiring code where a duplicate is a bug
func (b *Bus) MustRegister(name string, handler Handler) {
	if err := b.Register(name, handler); err != nil {
		panic(err)
	}
}

// Dispatch validates the message, resolves its handler and runs it through
// the middleware chain. A validation failure never reaches a handler.
func (b *Bus) Dispatch(ctx context.Context, msg Message) (interface{}, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	handler, ok := b.handlers[msg.Name()]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrNoHandler, b.kind, msg.Name())
	}

	wrapped := handler
	for i := len(b.middleware) - 1; i >= 0; i-- {
		wrapped = b.middleware[i](wrapped)
	}

	return wrapped.Handle(ctx, msg)
}
