package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

// Broker error types, re-exported for errors.As
type (
	ConnectionError = rabbitmq.ConnectionError
	ChannelError    = rabbitmq.ChannelError
	PublishError    = rabbitmq.PublishError
	TopologyError   = rabbitmq.TopologyError
	ConsumerError   = rabbitmq.ConsumerError
)

var (
	ErrSessionClosed = rabbitmq.ErrSessionClosed
	ErrNilHandler    = errors.New("messaging: nil handler")
	ErrEmptyQueue    = errors.New("messaging: queue name is required")
	ErrEmptyPattern  = errors.New("messaging: routing pattern is required")
	ErrNoRoute       = errors.New("messaging: no handler for routing key")
)

// HandlerFailure describes a message whose handler reported Failure.
// It is logged and recorded, never returned to the caller.
type HandlerFailure struct {
	Queue      string
	RoutingKey string
	RetryCount int
	Reason     string
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler failed for %s on queue %s (retry %d): %s",
		e.RoutingKey, e.Queue, e.RetryCount, e.Reason)
}

// IOWaitError reports that the consumer lost its channel or connection
// while waiting for or settling deliveries. The subscriber recovers from
// it by reconnecting.
type IOWaitError struct {
	Queue string
	Op    string
	Err   error
}

func (e *IOWaitError) Error() string {
	return fmt.Sprintf("io wait interrupted during %s on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *IOWaitError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err cannot be fixed by reconnecting
func IsFatal(err error) bool {
	return rabbitmq.IsFatal(err)
}
