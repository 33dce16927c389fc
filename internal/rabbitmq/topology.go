package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeKindTopic   = "topic"
	ExchangeKindDelayed = "x-delayed-message"

	// DelayedDeadLetterExchange receives messages dead-lettered from
	// consume queues declared in delayed mode.
	DelayedDeadLetterExchange = "delayed"

	RetryExchangeSuffix  = ".retry"
	FailedExchangeSuffix = ".failed"
	RetryQueueSuffix     = "@retry"
	FailedQueueSuffix    = "@failed"

	DefaultRetryTTL = 60 * time.Second

	argDelayedType        = "x-delayed-type"
	argDeadLetterExchange = "x-dead-letter-exchange"
	argDeadLetterRouting  = "x-dead-letter-routing-key"
	argMessageTTL         = "x-message-ttl"
	componentExchange     = "exchange"
	componentQueue        = "queue"
	componentBinding      = "binding"
)

// Names is the set of exchanges derived from one base topic
type Names struct {
	Live   string
	Retry  string
	Failed string
}

// NamesFor derives the live, retry and failed exchange names
func NamesFor(base string) Names {
	return Names{
		Live:   base,
		Retry:  base + RetryExchangeSuffix,
		Failed: base + FailedExchangeSuffix,
	}
}

// RetryQueueName returns the retry queue paired with queue
func RetryQueueName(queue string) string {
	return queue + RetryQueueSuffix
}

// FailedQueueName returns the failed queue paired with queue
func FailedQueueName(queue string) string {
	return queue + FailedQueueSuffix
}

// QueueKind selects one of the three queues kept per logical queue
type QueueKind int

const (
	QueueConsume QueueKind = iota
	QueueRetry
	QueueFailed
)

func (k QueueKind) String() string {
	switch k {
	case QueueConsume:
		return "consume"
	case QueueRetry:
		return "retry"
	case QueueFailed:
		return "failed"
	default:
		return fmt.Sprintf("QueueKind(%d)", int(k))
	}
}

// ParseQueueKind parses "consume", "retry" or "failed"
func ParseQueueKind(s string) (QueueKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "consume", "live":
		return QueueConsume, nil
	case "retry":
		return QueueRetry, nil
	case "failed":
		return QueueFailed, nil
	default:
		return 0, fmt.Errorf("%w: unknown queue kind %q", ErrInvalidConfiguration, s)
	}
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager builds and declares the live, retry and failed topology
// for one base topic. Declarations are idempotent.
type TopologyManager struct {
	names    Names
	retryTTL time.Duration
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithRetryTTL sets how long a message waits in a retry queue
func WithRetryTTL(ttl time.Duration) TopologyOption {
	return func(tm *TopologyManager) {
		tm.retryTTL = ttl
	}
}

// NewTopologyManager creates a topology manager for the base topic
func NewTopologyManager(base string, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		names:    NamesFor(base),
		retryTTL: DefaultRetryTTL,
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// Names returns the exchange names managed by tm
func (tm *TopologyManager) Names() Names {
	return tm.names
}

// RetryTTL returns the retry queue message TTL
func (tm *TopologyManager) RetryTTL() time.Duration {
	return tm.retryTTL
}

// Exchanges returns the three exchange declarations
func (tm *TopologyManager) Exchanges(delayed bool) []ExchangeDeclaration {
	live := ExchangeDeclaration{
		Name:    tm.names.Live,
		Type:    ExchangeKindTopic,
		Durable: true,
	}
	if delayed {
		live.Type = ExchangeKindDelayed
		live.Arguments = amqp.Table{argDelayedType: ExchangeKindTopic}
	}

	return []ExchangeDeclaration{
		live,
		{Name: tm.names.Retry, Type: ExchangeKindTopic, Durable: true},
		{Name: tm.names.Failed, Type: ExchangeKindTopic, Durable: true},
	}
}

// ConsumeQueue returns the consume queue declaration and its bindings.
// The queue is bound under routingKey and under its own name so retried
// and replayed messages addressed to the queue reach it.
func (tm *TopologyManager) ConsumeQueue(queue, routingKey string, delayed bool) Topology {
	decl := QueueDeclaration{Name: queue, Durable: true}
	if delayed {
		decl.Arguments = amqp.Table{argDeadLetterExchange: DelayedDeadLetterExchange}
	}

	bindings := []Binding{{Queue: queue, Exchange: tm.names.Live, RoutingKey: routingKey}}
	if routingKey != queue {
		bindings = append(bindings, Binding{Queue: queue, Exchange: tm.names.Live, RoutingKey: queue})
	}

	return Topology{Queues: []QueueDeclaration{decl}, Bindings: bindings}
}

// RetryQueue returns the retry queue declaration. Expired messages are
// dead-lettered back to the live exchange under the queue name.
func (tm *TopologyManager) RetryQueue(queue string) Topology {
	name := RetryQueueName(queue)
	return Topology{
		Queues: []QueueDeclaration{{
			Name:    name,
			Durable: true,
			Arguments: amqp.Table{
				argDeadLetterExchange: tm.names.Live,
				argDeadLetterRouting:  queue,
				argMessageTTL:         int32(tm.retryTTL / time.Millisecond),
			},
		}},
		Bindings: []Binding{{Queue: name, Exchange: tm.names.Retry, RoutingKey: queue}},
	}
}

// FailedQueue returns the failed queue declaration
func (tm *TopologyManager) FailedQueue(queue string) Topology {
	name := FailedQueueName(queue)
	return Topology{
		Queues:   []QueueDeclaration{{Name: name, Durable: true}},
		Bindings: []Binding{{Queue: name, Exchange: tm.names.Failed, RoutingKey: queue}},
	}
}

// QueueTopology returns the declarations for one queue kind
func (tm *TopologyManager) QueueTopology(kind QueueKind, queue, routingKey string, delayed bool) Topology {
	switch kind {
	case QueueRetry:
		return tm.RetryQueue(queue)
	case QueueFailed:
		return tm.FailedQueue(queue)
	default:
		return tm.ConsumeQueue(queue, routingKey, delayed)
	}
}

// DeclareExchanges declares the live, retry and failed exchanges
func (tm *TopologyManager) DeclareExchanges(ch Channel, delayed bool) error {
	return tm.DeclareTopology(ch, Topology{Exchanges: tm.Exchanges(delayed)})
}

// DeclareQueue declares one queue kind and returns the broker queue name
func (tm *TopologyManager) DeclareQueue(ch Channel, kind QueueKind, queue, routingKey string, delayed bool) (string, error) {
	topology := tm.QueueTopology(kind, queue, routingKey, delayed)
	if err := tm.DeclareTopology(ch, topology); err != nil {
		return "", err
	}
	return topology.Queues[0].Name, nil
}

// DeclareConsumeQueue declares the consume queue and its bindings
func (tm *TopologyManager) DeclareConsumeQueue(ch Channel, queue, routingKey string, delayed bool) (string, error) {
	return tm.DeclareQueue(ch, QueueConsume, queue, routingKey, delayed)
}

// DeclareRetryQueue declares the retry queue for queue
func (tm *TopologyManager) DeclareRetryQueue(ch Channel, queue string) (string, error) {
	return tm.DeclareQueue(ch, QueueRetry, queue, "", false)
}

// DeclareFailedQueue declares the failed queue for queue
func (tm *TopologyManager) DeclareFailedQueue(ch Channel, queue string) (string, error) {
	return tm.DeclareQueue(ch, QueueFailed, queue, "", false)
}

// DeclareQueues declares the retry, consume and failed queues for queue
func (tm *TopologyManager) DeclareQueues(ch Channel, queue, routingKey string, delayed bool) error {
	for _, kind := range []QueueKind{QueueRetry, QueueConsume, QueueFailed} {
		if _, err := tm.DeclareQueue(ch, kind, queue, routingKey, delayed); err != nil {
			return err
		}
	}
	return nil
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return topologyError(componentExchange, exchange.Name, "declare", err)
		}
	}

	for _, queue := range topology.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return topologyError(componentQueue, queue.Name, "declare", err)
		}
	}

	for _, binding := range topology.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			name := fmt.Sprintf("%s->%s[%s]", binding.Exchange, binding.Queue, binding.RoutingKey)
			return topologyError(componentBinding, name, "bind", err)
		}
	}

	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
