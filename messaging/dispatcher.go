package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-retry-go/contracts"
)

// MiddlewareFunc wraps a handler invocation
type MiddlewareFunc func(ctx context.Context, msg *contracts.Message, next Handler) (contracts.Outcome, error)

// route pairs a topic pattern with its handler
type route struct {
	pattern string
	handler Handler
}

// Dispatcher routes the messages of one queue to handlers by original
// routing key. Patterns use topic syntax and are tried in registration
// order; the first match handles the message.
type Dispatcher struct {
	routes     []route
	mu         sync.RWMutex
	logger     *slog.Logger
	middleware []MiddlewareFunc
	fallback   Handler
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware run around every routed handler
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// WithFallback handles messages no pattern matches. Without one they
// fail with ErrNoRoute and follow the retry path.
func WithFallback(handler Handler) DispatcherOption {
	return func(d *Dispatcher) {
		d.fallback = handler
	}
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Register adds a handler for routing keys matching pattern
func (d *Dispatcher) Register(pattern string, handler Handler) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	if handler == nil {
		return ErrNilHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{pattern: pattern, handler: handler})

	d.logger.Debug("registered message handler", "pattern", pattern)
	return nil
}

// RegisterFunc registers a function as a handler
func (d *Dispatcher) RegisterFunc(pattern string, fn HandlerFunc) error {
	if fn == nil {
		return ErrNilHandler
	}
	return d.Register(pattern, fn)
}

// Patterns returns the registered patterns in match order
func (d *Dispatcher) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	patterns := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		patterns = append(patterns, r.pattern)
	}
	return patterns
}

// Handle implements Handler by running the first matching route
func (d *Dispatcher) Handle(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
	handler, pattern := d.match(msg.RoutingKey())
	if handler == nil {
		d.logger.Warn("no handler registered for routing key",
			"queue", msg.Queue(),
			"routingKey", msg.RoutingKey())
		return contracts.Outcome{}, fmt.Errorf("%w: %s", ErrNoRoute, msg.RoutingKey())
	}

	d.logger.Debug("dispatching message",
		"queue", msg.Queue(),
		"routingKey", msg.RoutingKey(),
		"pattern", pattern)
	return d.chain(handler).Handle(ctx, msg)
}

func (d *Dispatcher) match(routingKey string) (Handler, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, r := range d.routes {
		if contracts.MatchRoutingKey(r.pattern, routingKey) {
			return r.handler, r.pattern
		}
	}
	return d.fallback, ""
}

// chain builds the middleware chain, first middleware outermost
func (d *Dispatcher) chain(handler Handler) Handler {
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = HandlerFunc(func(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
			return middleware(ctx, msg, next)
		})
	}
	return result
}

var _ Handler = (*Dispatcher)(nil)
