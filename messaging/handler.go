package messaging

import (
	"context"

	"github.com/glimte/mmate-retry-go/contracts"
)

// Handler processes one message. A returned error counts as a Failure
// outcome carrying the error text.
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
	return f(ctx, msg)
}

// ErrorHandlerFunc adapts a function that only reports an error: nil is
// Success, anything else is Failure.
type ErrorHandlerFunc func(ctx context.Context, msg *contracts.Message) error

// Handle implements Handler
func (f ErrorHandlerFunc) Handle(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
	if err := f(ctx, msg); err != nil {
		return contracts.Failure(err.Error()), nil
	}
	return contracts.Success(""), nil
}

// ExitFunc is polled between deliveries; returning true stops consumption
type ExitFunc func() bool

// ReplayFilter decides whether a failed message is republished (true) or
// dropped (false)
type ReplayFilter func(ctx context.Context, msg *contracts.Message) bool
