package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/metrics"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

const (
	DefaultMaxRetries        = 5
	DefaultPollInterval      = 3 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultReconnectAttempts = 10
	DefaultPrefetchCount     = 10

	// DefaultFailureReason is recorded when a handler fails without saying why
	DefaultFailureReason = "handler reported failure"

	memoryMetric = "/memory/classes/total:bytes"
)

// State is the lifecycle state of a Subscriber
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Subscriber consumes one queue at a time. Successful messages are acked;
// failed ones are republished to the retry exchange, where they wait out
// the retry TTL before coming back, until the retry budget is spent and
// they are parked on the failed exchange.
type Subscriber struct {
	session        *rabbitmq.Session
	topology       *rabbitmq.TopologyManager
	codec          contracts.Codec
	logger         *slog.Logger
	metrics        MetricsCollector
	execLog        ExecutionLog
	maxRetries     int
	pollInterval   time.Duration
	reconnectDelay time.Duration
	maxAttempts    int
	prefetchCount  int
	delayed        bool
	state          atomic.Int32
	attempts       atomic.Int32
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(collector MetricsCollector) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = collector
	}
}

// WithSubscriberCodec replaces the JSON codec
func WithSubscriberCodec(codec contracts.Codec) SubscriberOption {
	return func(s *Subscriber) {
		s.codec = codec
	}
}

// WithExecutionLog records every handler invocation to log
func WithExecutionLog(log ExecutionLog) SubscriberOption {
	return func(s *Subscriber) {
		s.execLog = log
	}
}

// WithMaxRetries sets how many retries a message gets before it is moved
// to the failed queue
func WithMaxRetries(retries int) SubscriberOption {
	return func(s *Subscriber) {
		s.maxRetries = retries
	}
}

// WithRetryTTL sets how long a failed message waits in the retry queue
func WithRetryTTL(ttl time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.topology = rabbitmq.NewTopologyManager(s.topology.Names().Live, rabbitmq.WithRetryTTL(ttl))
	}
}

// WithDelayedQueues declares exchanges and consume queues for use with
// the delayed-message exchange
func WithDelayedQueues(delayed bool) SubscriberOption {
	return func(s *Subscriber) {
		s.delayed = delayed
	}
}

// WithPollInterval sets the bounded wait for deliveries between exit checks
func WithPollInterval(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.pollInterval = d
	}
}

// WithReconnectDelay sets the pause before re-establishing consumption
func WithReconnectDelay(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.reconnectDelay = d
	}
}

// WithReconnectAttempts sets how many consecutive failed attempts are
// tolerated before Consume gives up
func WithReconnectAttempts(attempts int) SubscriberOption {
	return func(s *Subscriber) {
		s.maxAttempts = attempts
	}
}

// WithPrefetchCount sets the channel QoS prefetch count
func WithPrefetchCount(count int) SubscriberOption {
	return func(s *Subscriber) {
		s.prefetchCount = count
	}
}

// NewSubscriber creates a subscriber for the exchange
func NewSubscriber(session *rabbitmq.Session, exchange string, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		session:        session,
		topology:       rabbitmq.NewTopologyManager(exchange),
		codec:          contracts.JSONCodec{},
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
		maxRetries:     DefaultMaxRetries,
		pollInterval:   DefaultPollInterval,
		reconnectDelay: DefaultReconnectDelay,
		maxAttempts:    DefaultReconnectAttempts,
		prefetchCount:  DefaultPrefetchCount,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// State returns the current lifecycle state
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Attempts returns the current count of consecutive failed attempts
func (s *Subscriber) Attempts() int {
	return int(s.attempts.Load())
}

func (s *Subscriber) setState(state State) {
	s.state.Store(int32(state))
}

// DeclareQueues declares the exchanges and the consume, retry and failed
// queues for queue
func (s *Subscriber) DeclareQueues(ctx context.Context, queue, routingKey string) error {
	if err := s.session.Ensure(ctx); err != nil {
		return err
	}
	ch, err := s.session.Channel(channelID(queue))
	if err != nil {
		return err
	}
	return s.declare(ch, queue, routingKey)
}

func (s *Subscriber) declare(ch rabbitmq.Channel, queue, routingKey string) error {
	if err := s.topology.DeclareExchanges(ch, s.delayed); err != nil {
		return err
	}
	return s.topology.DeclareQueues(ch, queue, routingKey, s.delayed)
}

// Consume blocks, handling messages from queue until exit returns true,
// ctx is done or the connection cannot be re-established. Exit is checked
// between deliveries and at least once per poll interval.
func (s *Subscriber) Consume(ctx context.Context, queue, routingKey string, handler Handler, exit ExitFunc) error {
	if queue == "" {
		return ErrEmptyQueue
	}
	if handler == nil {
		return ErrNilHandler
	}
	if exit == nil {
		exit = func() bool { return false }
	}

	id := channelID(queue)
	defer s.session.CloseChannel(id)
	defer s.setState(StateStopped)

	attempts := 0
	for {
		if exit() {
			return nil
		}

		s.setState(StateConnecting)
		sub, err := s.subscribe(ctx, id, queue, routingKey)
		if err == nil {
			attempts = 0
			s.attempts.Store(0)
			s.setState(StateConsuming)
			s.logger.Info("consuming queue",
				"queue", queue,
				"routingKey", routingKey,
				"exchange", s.topology.Names().Live,
				"consumerTag", sub.tag)

			err = s.poll(ctx, sub, queue, handler, exit)
			if err == nil {
				return nil
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		s.setState(StateDisconnected)
		s.session.CloseChannel(id)

		if IsFatal(err) {
			s.logger.Error("consumer stopped",
				"queue", queue,
				"error", err)
			return err
		}

		attempts++
		s.attempts.Store(int32(attempts))
		if attempts >= s.maxAttempts {
			return &rabbitmq.ConsumerError{
				Queue:     queue,
				Op:        "consume",
				Attempts:  attempts,
				Err:       err,
				Timestamp: time.Now(),
			}
		}

		s.logger.Warn("consumer interrupted, reconnecting",
			"queue", queue,
			"error", err,
			"attempt", attempts,
			"delay", s.reconnectDelay)

		if err := sleep(ctx, s.reconnectDelay); err != nil {
			return err
		}
	}
}

type subscription struct {
	ch         rabbitmq.Channel
	tag        string
	deliveries <-chan amqp.Delivery
	closed     <-chan *amqp.Error
}

func (s *Subscriber) subscribe(ctx context.Context, id, queue, routingKey string) (*subscription, error) {
	if err := s.session.Ensure(ctx); err != nil {
		return nil, err
	}
	ch, err := s.session.Channel(id)
	if err != nil {
		return nil, err
	}

	if err := s.declare(ch, queue, routingKey); err != nil {
		return nil, err
	}

	tag := consumerTag(queue)
	if err := ch.Qos(s.prefetchCount, 0, false); err != nil {
		return nil, &rabbitmq.ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	return &subscription{
		ch:         ch,
		tag:        tag,
		deliveries: deliveries,
		closed:     ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// poll returns nil when exit asks to stop and an *IOWaitError when the
// channel goes away
func (s *Subscriber) poll(ctx context.Context, sub *subscription, queue string, handler Handler, exit ExitFunc) error {
	idle := time.NewTimer(s.pollInterval)
	defer idle.Stop()

	for {
		if exit() {
			_ = sub.ch.Cancel(sub.tag, false)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case amqpErr, ok := <-sub.closed:
			var err error = rabbitmq.ErrChannelClosed
			if ok && amqpErr != nil {
				err = amqpErr
			}
			return &IOWaitError{Queue: queue, Op: "wait", Err: err}

		case d, ok := <-sub.deliveries:
			if !ok {
				return &IOWaitError{Queue: queue, Op: "wait", Err: rabbitmq.ErrDeliveriesClosed}
			}
			if err := s.handle(ctx, sub.ch, queue, d, handler); err != nil {
				return err
			}

		case <-idle.C:
		}
		idle.Reset(s.pollInterval)
	}
}

func (s *Subscriber) handle(ctx context.Context, ch rabbitmq.Channel, queue string, d amqp.Delivery, handler Handler) error {
	retryCount := rabbitmq.RetryCount(d.Headers)
	routingKey := rabbitmq.OriginalRoutingKey(d)
	env, decodeErr := s.codec.Unmarshal(d.Body)
	msg := contracts.NewMessage(queue, routingKey, retryCount, env, d.Body)

	start := time.Now()
	outcome, err := s.invoke(ctx, handler, msg, decodeErr)
	elapsed := time.Since(start)
	s.recordExecution(ctx, queue, msg, outcome, err, elapsed)

	if err == nil && outcome.IsSuccess() {
		if ackErr := d.Ack(false); ackErr != nil {
			return &IOWaitError{Queue: queue, Op: "ack", Err: ackErr}
		}
		s.metrics.RecordMessage(queue, DispositionAcked, elapsed)
		s.logger.Debug("message handled",
			"queue", queue,
			"routingKey", routingKey,
			"messageId", d.MessageId,
			"duration", elapsed)
		return nil
	}

	failure := &HandlerFailure{
		Queue:      queue,
		RoutingKey: routingKey,
		RetryCount: retryCount,
		Reason:     outcome.Message,
	}
	if err != nil {
		failure.Reason = err.Error()
	}
	if failure.Reason == "" {
		failure.Reason = DefaultFailureReason
	}

	exchange, disposition := s.topology.Names().Retry, DispositionRetried
	if retryCount >= s.maxRetries {
		exchange, disposition = s.topology.Names().Failed, DispositionFailed
	}

	s.logger.Warn("message handling failed",
		"queue", queue,
		"routingKey", routingKey,
		"messageId", d.MessageId,
		"retryCount", retryCount,
		"maxRetries", s.maxRetries,
		"next", disposition,
		"error", failure)

	if err := s.reroute(ctx, ch, exchange, queue, d, failure); err != nil {
		return err
	}
	s.metrics.RecordMessage(queue, disposition, elapsed)
	return nil
}

// invoke runs the handler, turning errors, panics, invalid outcomes and
// undecodable bodies into a non-nil error
func (s *Subscriber) invoke(ctx context.Context, handler Handler, msg *contracts.Message, decodeErr error) (outcome contracts.Outcome, err error) {
	if decodeErr != nil {
		return contracts.Failure(decodeErr.Error()), decodeErr
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			outcome = contracts.Failure(err.Error())
		}
	}()

	outcome, err = handler.Handle(ctx, msg)
	if err != nil {
		return contracts.Failure(err.Error()), err
	}
	return outcome.Validate()
}

// reroute publishes the annotated message to exchange under the queue name
// and acks the original. If the publish fails the original is requeued.
func (s *Subscriber) reroute(ctx context.Context, ch rabbitmq.Channel, exchange, queue string, d amqp.Delivery, failure *HandlerFailure) error {
	body, err := contracts.AnnotateError(d.Body, failure.Reason)
	if err != nil {
		s.logger.Warn("rerouting message without error annotation",
			"queue", queue,
			"error", err)
	}

	headers := rabbitmq.RerouteHeaders(d.Headers, failure.RoutingKey, failure.RetryCount+1)
	err = ch.PublishWithContext(ctx,
		exchange,
		queue,
		false, // mandatory
		false, // immediate
		rabbitmq.Republish(d, body, headers),
	)
	if err != nil {
		_ = d.Nack(false, true)
		return &IOWaitError{
			Queue: queue,
			Op:    "republish",
			Err: &rabbitmq.PublishError{
				Exchange:   exchange,
				RoutingKey: queue,
				Err:        err,
				Timestamp:  time.Now(),
			},
		}
	}

	if err := d.Ack(false); err != nil {
		return &IOWaitError{Queue: queue, Op: "ack", Err: err}
	}
	return nil
}

func (s *Subscriber) recordExecution(ctx context.Context, queue string, msg *contracts.Message, outcome contracts.Outcome, err error, elapsed time.Duration) {
	if s.execLog == nil {
		return
	}

	output := outcome.Message
	if err != nil {
		output = err.Error()
	}

	record := ExecutionRecord{
		Exchange:      s.topology.Names().Live,
		Queue:         queue,
		RoutingKey:    msg.RoutingKey(),
		Message:       string(msg.Raw()),
		ExecutionTime: elapsed,
		Output:        output,
		Success:       err == nil && outcome.IsSuccess(),
		MemoryUsage:   memoryUsage(),
		LoggedAt:      time.Now(),
	}
	if werr := s.execLog.Record(ctx, record); werr != nil {
		s.logger.Warn("execution log write failed",
			"queue", queue,
			"error", werr)
	}
}

// memoryUsage reports the memory mapped by the runtime without stopping
// the world
func memoryUsage() string {
	sample := []metrics.Sample{{Name: memoryMetric}}
	metrics.Read(sample)

	var total uint64
	if sample[0].Value.Kind() == metrics.KindUint64 {
		total = sample[0].Value.Uint64()
	}
	return fmt.Sprintf("%.2f mb", float64(total)/1024/1024)
}

func channelID(queue string) string {
	return "subscriber:" + queue
}

func consumerTag(queue string) string {
	return fmt.Sprintf("%s.%s", queue, uuid.NewString()[:8])
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
