package messaging

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

const DefaultReplayEmptyPolls = 3

// ReplayResult counts what a replay did with the failed messages it saw
type ReplayResult struct {
	Republished int
	Discarded   int
}

// Replayer moves messages from a failed queue back to the live exchange
type Replayer struct {
	session       *rabbitmq.Session
	topology      *rabbitmq.TopologyManager
	codec         contracts.Codec
	logger        *slog.Logger
	metrics       MetricsCollector
	limiter       *rate.Limiter
	pollInterval  time.Duration
	maxEmptyPolls int
	delayed       bool
}

// ReplayerOption configures the Replayer
type ReplayerOption func(*Replayer)

// WithReplayerLogger sets the logger
func WithReplayerLogger(logger *slog.Logger) ReplayerOption {
	return func(r *Replayer) {
		r.logger = logger
	}
}

// WithReplayerMetrics sets the metrics collector
func WithReplayerMetrics(metrics MetricsCollector) ReplayerOption {
	return func(r *Replayer) {
		r.metrics = metrics
	}
}

// WithReplayRateLimit throttles republishing to limit messages per second
// with the given burst
func WithReplayRateLimit(limit rate.Limit, burst int) ReplayerOption {
	return func(r *Replayer) {
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithReplayPollInterval sets the bounded wait for deliveries
func WithReplayPollInterval(d time.Duration) ReplayerOption {
	return func(r *Replayer) {
		r.pollInterval = d
	}
}

// WithReplayEmptyPolls sets how many consecutive empty polls end a replay
func WithReplayEmptyPolls(n int) ReplayerOption {
	return func(r *Replayer) {
		r.maxEmptyPolls = n
	}
}

// WithReplayDelayedQueues must match the subscriber's delayed mode so the
// consume queue is redeclared with the same arguments
func WithReplayDelayedQueues(delayed bool) ReplayerOption {
	return func(r *Replayer) {
		r.delayed = delayed
	}
}

// NewReplayer creates a replayer for the exchange
func NewReplayer(session *rabbitmq.Session, exchange string, options ...ReplayerOption) *Replayer {
	r := &Replayer{
		session:       session,
		topology:      rabbitmq.NewTopologyManager(exchange),
		codec:         contracts.JSONCodec{},
		logger:        slog.Default(),
		metrics:       NoOpMetricsCollector{},
		pollInterval:  DefaultPollInterval,
		maxEmptyPolls: DefaultReplayEmptyPolls,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// ReplayFailed drains the failed queue of queue. Messages accepted by
// filter (all of them when filter is nil) are republished to the live
// exchange under the queue name with their headers reset to the original
// routing key; rejected ones are dropped. Every message is acked. It
// returns once the failed queue is observed empty or after the configured
// number of consecutive empty polls.
func (r *Replayer) ReplayFailed(ctx context.Context, queue, routingKey string, filter ReplayFilter) (ReplayResult, error) {
	var result ReplayResult
	if queue == "" {
		return result, ErrEmptyQueue
	}

	if err := r.session.Ensure(ctx); err != nil {
		return result, err
	}
	id := "replay:" + queue
	ch, err := r.session.Channel(id)
	if err != nil {
		return result, err
	}
	defer r.session.CloseChannel(id)

	if err := r.topology.DeclareExchanges(ch, r.delayed); err != nil {
		return result, err
	}
	if _, err := r.topology.DeclareConsumeQueue(ch, queue, routingKey, r.delayed); err != nil {
		return result, err
	}
	failedQueue, err := r.topology.DeclareFailedQueue(ch, queue)
	if err != nil {
		return result, err
	}

	tag := consumerTag(failedQueue)
	if err := ch.Qos(1, 0, false); err != nil {
		return result, &rabbitmq.ConsumerError{Queue: failedQueue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}
	deliveries, err := ch.Consume(
		failedQueue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return result, &rabbitmq.ConsumerError{Queue: failedQueue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	r.logger.Info("replaying failed messages",
		"queue", queue,
		"failedQueue", failedQueue)

	idle := time.NewTimer(r.pollInterval)
	defer idle.Stop()

	emptyPolls := 0
	for emptyPolls < r.maxEmptyPolls {
		select {
		case <-ctx.Done():
			return result, ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				return result, &IOWaitError{Queue: failedQueue, Op: "wait", Err: rabbitmq.ErrDeliveriesClosed}
			}
			emptyPolls = 0
			if err := r.replay(ctx, ch, queue, d, filter, &result); err != nil {
				return result, err
			}

		case <-idle.C:
			emptyPolls++
			if q, err := ch.QueueDeclarePassive(failedQueue, true, false, false, false, nil); err == nil && q.Messages == 0 {
				emptyPolls = r.maxEmptyPolls
			}
		}
		idle.Reset(r.pollInterval)
	}

	if err := ch.Cancel(tag, false); err != nil {
		return result, &rabbitmq.ConsumerError{Queue: failedQueue, ConsumerTag: tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	if err := r.drain(ctx, ch, queue, deliveries, filter, &result); err != nil {
		return result, err
	}

	r.logger.Info("replay finished",
		"queue", queue,
		"republished", result.Republished,
		"discarded", result.Discarded)

	return result, nil
}

// drain handles deliveries that were in flight when the consumer was
// cancelled
func (r *Replayer) drain(ctx context.Context, ch rabbitmq.Channel, queue string, deliveries <-chan amqp.Delivery, filter ReplayFilter, result *ReplayResult) error {
	idle := time.NewTimer(r.pollInterval)
	defer idle.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := r.replay(ctx, ch, queue, d, filter, result); err != nil {
				return err
			}
			idle.Reset(r.pollInterval)
		case <-idle.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Replayer) replay(ctx context.Context, ch rabbitmq.Channel, queue string, d amqp.Delivery, filter ReplayFilter, result *ReplayResult) error {
	routingKey := rabbitmq.OriginalRoutingKey(d)
	env, err := r.codec.Unmarshal(d.Body)
	if err != nil {
		r.logger.Warn("failed message is not a valid envelope",
			"queue", queue,
			"error", err)
	}
	msg := contracts.NewMessage(queue, routingKey, rabbitmq.RetryCount(d.Headers), env, d.Body)

	if filter != nil && !filter(ctx, msg) {
		if err := d.Ack(false); err != nil {
			return &IOWaitError{Queue: queue, Op: "ack", Err: err}
		}
		result.Discarded++
		r.metrics.RecordReplay(queue, false)
		r.logger.Debug("dropped failed message",
			"queue", queue,
			"routingKey", routingKey,
			"messageId", d.MessageId)
		return nil
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			_ = d.Nack(false, true)
			return err
		}
	}

	live := r.topology.Names().Live
	err = ch.PublishWithContext(ctx,
		live,
		queue,
		false, // mandatory
		false, // immediate
		rabbitmq.Republish(d, d.Body, rabbitmq.ReplayHeaders(routingKey)),
	)
	if err != nil {
		_ = d.Nack(false, true)
		return &rabbitmq.PublishError{Exchange: live, RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}

	if err := d.Ack(false); err != nil {
		return &IOWaitError{Queue: queue, Op: "ack", Err: err}
	}
	result.Republished++
	r.metrics.RecordReplay(queue, true)
	r.logger.Debug("republished failed message",
		"queue", queue,
		"routingKey", routingKey,
		"messageId", d.MessageId)
	return nil
}
