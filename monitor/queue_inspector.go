package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

const inspectorChannelID = "inspector"

// Status is the assessed health of a queue
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// QueueInfo is what a passive declare reports about a queue
type QueueInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Exists    bool   `json:"exists"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// TopologyInfo groups the consume, retry and failed queues of one
// logical queue
type TopologyInfo struct {
	Queue       string    `json:"queue"`
	Consume     QueueInfo `json:"consume"`
	Retry       QueueInfo `json:"retry"`
	Failed      QueueInfo `json:"failed"`
	InspectedAt time.Time `json:"inspected_at"`
}

// QueueHealth is a basic assessment of a logical queue
type QueueHealth struct {
	QueueName string `json:"queue_name"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
	Failed    int    `json:"failed"`
}

// QueueInspector reads queue state over AMQP. It needs no access to the
// management API.
type QueueInspector struct {
	session  *rabbitmq.Session
	topology *rabbitmq.TopologyManager
	codec    contracts.Codec
	logger   *slog.Logger
	metrics  *Metrics
	delayed  bool
}

// InspectorOption configures the QueueInspector
type InspectorOption func(*QueueInspector)

// WithInspectorLogger sets the logger
func WithInspectorLogger(logger *slog.Logger) InspectorOption {
	return func(qi *QueueInspector) {
		qi.logger = logger
	}
}

// WithInspectorMetrics publishes inspected queue depths as gauges
func WithInspectorMetrics(metrics *Metrics) InspectorOption {
	return func(qi *QueueInspector) {
		qi.metrics = metrics
	}
}

// WithInspectorRetryTTL must match the subscriber's retry TTL so Peek can
// redeclare retry queues
func WithInspectorRetryTTL(ttl time.Duration) InspectorOption {
	return func(qi *QueueInspector) {
		qi.topology = rabbitmq.NewTopologyManager(qi.topology.Names().Live, rabbitmq.WithRetryTTL(ttl))
	}
}

// WithInspectorDelayedQueues must match the subscriber's delayed mode
func WithInspectorDelayedQueues(delayed bool) InspectorOption {
	return func(qi *QueueInspector) {
		qi.delayed = delayed
	}
}

// NewQueueInspector creates an inspector for the queues of exchange
func NewQueueInspector(session *rabbitmq.Session, exchange string, options ...InspectorOption) *QueueInspector {
	qi := &QueueInspector{
		session:  session,
		topology: rabbitmq.NewTopologyManager(exchange),
		codec:    contracts.JSONCodec{},
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(qi)
	}
	return qi
}

func (qi *QueueInspector) channel(ctx context.Context) (rabbitmq.Channel, error) {
	if err := qi.session.Ensure(ctx); err != nil {
		return nil, err
	}
	return qi.session.Channel(inspectorChannelID)
}

// Peek returns the bodies of up to limit messages waiting on the queue of
// the given kind without consuming them. Every fetched message is nacked
// back onto the queue once all of them are collected, so each appears at
// most once. A concurrent consumer may still receive them afterwards.
func (qi *QueueInspector) Peek(ctx context.Context, queue, routingKey string, limit int, kind rabbitmq.QueueKind) ([]json.RawMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	ch, err := qi.channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := qi.topology.DeclareExchanges(ch, qi.delayed); err != nil {
		return nil, err
	}
	name, err := qi.topology.DeclareQueue(ch, kind, queue, routingKey, qi.delayed)
	if err != nil {
		return nil, err
	}

	var (
		bodies []json.RawMessage
		last   *amqp.Delivery
	)
	for len(bodies) < limit {
		if err := ctx.Err(); err != nil {
			break
		}
		d, ok, err := ch.Get(name, false)
		if err != nil {
			qi.requeue(last)
			return nil, &rabbitmq.ConsumerError{Queue: name, Op: "get", Err: err, Timestamp: time.Now()}
		}
		if !ok {
			break
		}
		last = &d
		bodies = append(bodies, qi.body(name, d))
	}

	qi.requeue(last)
	return bodies, ctx.Err()
}

// body returns the envelope body, or the raw message when it is not an
// envelope
func (qi *QueueInspector) body(queue string, d amqp.Delivery) json.RawMessage {
	env, err := qi.codec.Unmarshal(d.Body)
	if err != nil {
		qi.logger.Warn("peeked message is not a valid envelope",
			"queue", queue,
			"messageId", d.MessageId,
			"error", err)
		if json.Valid(d.Body) {
			return json.RawMessage(d.Body)
		}
		raw, _ := json.Marshal(string(d.Body))
		return raw
	}
	return env.Body()
}

// requeue nacks every delivery up to and including last
func (qi *QueueInspector) requeue(last *amqp.Delivery) {
	if last == nil {
		return
	}
	if err := last.Nack(true, true); err != nil {
		qi.logger.Warn("failed to requeue peeked messages",
			"error", err)
	}
}

// InspectQueue passively declares a queue and reports its depth and
// consumer count
func (qi *QueueInspector) InspectQueue(ctx context.Context, name string) (*QueueInfo, error) {
	ch, err := qi.channel(ctx)
	if err != nil {
		return nil, err
	}

	queue, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}

	return &QueueInfo{
		Name:      queue.Name,
		Exists:    true,
		Messages:  queue.Messages,
		Consumers: queue.Consumers,
	}, nil
}

// CheckQueueExists reports whether a queue is declared
func (qi *QueueInspector) CheckQueueExists(ctx context.Context, name string) (bool, error) {
	_, err := qi.InspectQueue(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check queue existence: %w", err)
	}
	return true, nil
}

// InspectTopology inspects the consume, retry and failed queues of queue.
// Missing queues are reported with Exists false.
func (qi *QueueInspector) InspectTopology(ctx context.Context, queue string) (*TopologyInfo, error) {
	info := &TopologyInfo{Queue: queue, InspectedAt: time.Now()}

	targets := []struct {
		kind rabbitmq.QueueKind
		name string
		dst  *QueueInfo
	}{
		{rabbitmq.QueueConsume, queue, &info.Consume},
		{rabbitmq.QueueRetry, rabbitmq.RetryQueueName(queue), &info.Retry},
		{rabbitmq.QueueFailed, rabbitmq.FailedQueueName(queue), &info.Failed},
	}

	for _, target := range targets {
		q, err := qi.InspectQueue(ctx, target.name)
		switch {
		case err == nil:
			*target.dst = *q
		case isNotFound(err):
			*target.dst = QueueInfo{Name: target.name}
		default:
			return nil, err
		}
		target.dst.Kind = target.kind.String()

		if qi.metrics != nil {
			qi.metrics.ObserveQueue(queue, *target.dst)
		}
	}

	return info, nil
}

// Health assesses queue from its consume and failed queues
func (qi *QueueInspector) Health(ctx context.Context, queue string) (*QueueHealth, error) {
	info, err := qi.InspectTopology(ctx, queue)
	if err != nil {
		return &QueueHealth{
			QueueName: queue,
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("Failed to inspect queue: %v", err),
		}, err
	}

	health := &QueueHealth{
		QueueName: queue,
		Messages:  info.Consume.Messages,
		Consumers: info.Consume.Consumers,
		Failed:    info.Failed.Messages,
	}

	switch {
	case !info.Consume.Exists:
		health.Status = StatusUnhealthy
		health.Message = "Queue is not declared"
	case info.Consume.Consumers == 0 && info.Consume.Messages > 0:
		health.Status = StatusUnhealthy
		health.Message = fmt.Sprintf("No consumers for %d messages", info.Consume.Messages)
	case info.Failed.Messages > 0:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("%d messages waiting in %s", info.Failed.Messages, info.Failed.Name)
	case info.Consume.Messages > 1000:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("Elevated message count: %d messages", info.Consume.Messages)
	default:
		health.Status = StatusHealthy
		health.Message = "Queue is healthy"
	}

	return health, nil
}

func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}
