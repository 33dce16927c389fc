package messaging

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

// Publisher publishes envelopes to the live exchange of a topology
type Publisher struct {
	session   *rabbitmq.Session
	topology  *rabbitmq.TopologyManager
	channelID string
	codec     contracts.Codec
	delayed   bool
	source    string
	logger    *slog.Logger
	metrics   MetricsCollector
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithPublisherCodec replaces the JSON codec
func WithPublisherCodec(codec contracts.Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithDelayedExchange declares the live exchange as a delayed-message
// exchange so WithDelay takes effect
func WithDelayedExchange(delayed bool) PublisherOption {
	return func(p *Publisher) {
		p.delayed = delayed
	}
}

// WithSource sets the source label of envelopes built by PublishData
func WithSource(source string) PublisherOption {
	return func(p *Publisher) {
		p.source = source
	}
}

// WithPublisherChannel sets the session channel id used for publishing
func WithPublisherChannel(id string) PublisherOption {
	return func(p *Publisher) {
		p.channelID = id
	}
}

// PublishOption configures a single publish
type PublishOption func(*publishOptions)

type publishOptions struct {
	delay time.Duration
}

// WithDelay holds the message in the delayed-message exchange for d
// before routing it
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.delay = d
	}
}

// NewPublisher creates a publisher for the exchange and declares the live,
// retry and failed exchanges.
func NewPublisher(ctx context.Context, session *rabbitmq.Session, exchange string, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		session:   session,
		topology:  rabbitmq.NewTopologyManager(exchange),
		channelID: "publisher:" + exchange,
		codec:     contracts.JSONCodec{},
		logger:    slog.Default(),
		metrics:   NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	if err := p.declare(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) declare(ctx context.Context) error {
	if err := p.session.Ensure(ctx); err != nil {
		return err
	}
	ch, err := p.session.Channel(p.channelID)
	if err != nil {
		return err
	}
	return p.topology.DeclareExchanges(ch, p.delayed)
}

// Exchange returns the live exchange name
func (p *Publisher) Exchange() string {
	return p.topology.Names().Live
}

// Publish serializes env and publishes it under routingKey. Failures are
// returned as *PublishError.
func (p *Publisher) Publish(ctx context.Context, env *contracts.Envelope, routingKey string, options ...PublishOption) (*contracts.Envelope, error) {
	exchange := p.topology.Names().Live
	if env == nil {
		return nil, p.publishError(routingKey, contracts.ErrNilEnvelope)
	}

	var opts publishOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.delay > 0 && !p.delayed {
		p.logger.Warn("delay ignored by non-delayed exchange",
			"exchange", exchange,
			"delay", opts.delay)
	}

	body, err := p.codec.Marshal(env)
	if err != nil {
		return nil, p.publishError(routingKey, err)
	}

	msg := amqp.Publishing{
		Headers:      rabbitmq.DelayHeaders(opts.delay),
		ContentType:  p.codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID(),
		Timestamp:    env.Timestamp(),
		Body:         body,
	}

	start := time.Now()
	err = p.publish(ctx, routingKey, msg)
	p.metrics.RecordPublish(exchange, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("published message",
		"messageId", env.ID(),
		"exchange", exchange,
		"routingKey", routingKey,
		"delay", opts.delay)

	return env, nil
}

// TryPublish is Publish with errors logged instead of returned
func (p *Publisher) TryPublish(ctx context.Context, env *contracts.Envelope, routingKey string, options ...PublishOption) (*contracts.Envelope, bool) {
	published, err := p.Publish(ctx, env, routingKey, options...)
	if err != nil {
		p.logger.Error("publish failed",
			"routingKey", routingKey,
			"error", err)
		return nil, false
	}
	return published, true
}

// PublishData wraps body in a new envelope and publishes it
func (p *Publisher) PublishData(ctx context.Context, body any, routingKey string, options ...PublishOption) (*contracts.Envelope, error) {
	env, err := contracts.NewEnvelope(body, p.source)
	if err != nil {
		return nil, p.publishError(routingKey, err)
	}
	return p.Publish(ctx, env, routingKey, options...)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if err := p.session.Ensure(ctx); err != nil {
		return p.publishError(routingKey, err)
	}
	ch, err := p.session.Channel(p.channelID)
	if err != nil {
		return p.publishError(routingKey, err)
	}

	err = ch.PublishWithContext(ctx,
		p.topology.Names().Live,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return p.publishError(routingKey, err)
	}
	return nil
}

func (p *Publisher) publishError(routingKey string, err error) error {
	return &rabbitmq.PublishError{
		Exchange:   p.topology.Names().Live,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
