// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-retry-go/config"
	"github.com/glimte/mmate-retry-go/internal/journal"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
	"github.com/glimte/mmate-retry-go/messaging"
	"github.com/glimte/mmate-retry-go/monitor"
)

// Client provides the main entry point for mmate-retry-go. It owns one
// broker session and builds publishers, subscribers and replayers that
// share it.
type Client struct {
	cfg     *config.Config
	session *rabbitmq.Session
	logger  *slog.Logger
	metrics *monitor.Metrics
	execLog messaging.ExecutionLog
	closers []func(context.Context) error
}

// RunOptions configures Run
type RunOptions struct {
	// ReplayFailed drains the failed queue back to the live exchange
	// before consuming
	ReplayFailed bool
	// Filter selects which failed messages are replayed; nil replays all
	Filter messaging.ReplayFilter
	// Exit is polled between deliveries; nil consumes until ctx is done
	Exit messaging.ExitFunc
	// ReplayOptions and SubscriberOptions are applied after the
	// configured defaults
	ReplayOptions     []messaging.ReplayerOption
	SubscriberOptions []messaging.SubscriberOption
}

// NewClient validates cfg, connects to the broker and sets up the
// execution log when MQ_SUBSCRIBER_EXEC_LOG is open. A nil cfg uses the
// defaults.
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(opts)
	}

	c := &Client{
		cfg:     cfg,
		logger:  opts.logger,
		metrics: opts.metrics,
		execLog: opts.execLog,
	}

	if c.execLog == nil && cfg.ExecLogEnabled() {
		execLog, closer, err := newExecutionLog(ctx, cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.execLog = execLog
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}

	sessionOpts := []rabbitmq.SessionOption{rabbitmq.WithLogger(c.logger)}
	if opts.dialer != nil {
		sessionOpts = append(sessionOpts, rabbitmq.WithDialer(opts.dialer))
	}
	if c.metrics != nil {
		sessionOpts = append(sessionOpts, rabbitmq.WithStateListener(c.metrics))
	}
	sessionOpts = append(sessionOpts, opts.sessionOptions...)

	session, err := rabbitmq.Dial(ctx, cfg.ConnectionConfig(), sessionOpts...)
	if err != nil {
		_ = c.runClosers(context.Background())
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.session = session

	return c, nil
}

func newExecutionLog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.ExecutionLog, func(context.Context) error, error) {
	if cfg.MongoURI == "" {
		return journal.NewLogJournal(logger), nil, nil
	}
	mongoJournal, err := journal.NewMongoJournal(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open execution log: %w", err)
	}
	return mongoJournal, mongoJournal.Close, nil
}

// Session returns the underlying broker session
func (c *Client) Session() *rabbitmq.Session {
	return c.session
}

// Config returns the configuration the client was built with
func (c *Client) Config() *config.Config {
	return c.cfg
}

func (c *Client) metricsCollector() messaging.MetricsCollector {
	if c.metrics == nil {
		return messaging.NoOpMetricsCollector{}
	}
	return c.metrics
}

// Publisher creates a publisher for exchange and declares its exchanges
func (c *Client) Publisher(ctx context.Context, exchange string, options ...messaging.PublisherOption) (*messaging.Publisher, error) {
	defaults := []messaging.PublisherOption{
		messaging.WithPublisherLogger(c.logger),
		messaging.WithPublisherMetrics(c.metricsCollector()),
		messaging.WithDelayedExchange(c.cfg.Delayed),
	}
	return messaging.NewPublisher(ctx, c.session, exchange, append(defaults, options...)...)
}

// Subscriber creates a subscriber for exchange using the configured retry
// count, retry TTL and execution log
func (c *Client) Subscriber(exchange string, options ...messaging.SubscriberOption) *messaging.Subscriber {
	defaults := []messaging.SubscriberOption{
		messaging.WithSubscriberLogger(c.logger),
		messaging.WithSubscriberMetrics(c.metricsCollector()),
		messaging.WithMaxRetries(c.cfg.RetryCount),
		messaging.WithRetryTTL(c.cfg.RetryTTL()),
		messaging.WithDelayedQueues(c.cfg.Delayed),
	}
	if c.execLog != nil {
		defaults = append(defaults, messaging.WithExecutionLog(c.execLog))
	}
	return messaging.NewSubscriber(c.session, exchange, append(defaults, options...)...)
}

// Replayer creates a replayer for exchange
func (c *Client) Replayer(exchange string, options ...messaging.ReplayerOption) *messaging.Replayer {
	defaults := []messaging.ReplayerOption{
		messaging.WithReplayerLogger(c.logger),
		messaging.WithReplayerMetrics(c.metricsCollector()),
		messaging.WithReplayDelayedQueues(c.cfg.Delayed),
	}
	return messaging.NewReplayer(c.session, exchange, append(defaults, options...)...)
}

// Inspector creates a queue inspector for exchange
func (c *Client) Inspector(exchange string, options ...monitor.InspectorOption) *monitor.QueueInspector {
	defaults := []monitor.InspectorOption{
		monitor.WithInspectorLogger(c.logger),
		monitor.WithInspectorRetryTTL(c.cfg.RetryTTL()),
		monitor.WithInspectorDelayedQueues(c.cfg.Delayed),
	}
	if c.metrics != nil {
		defaults = append(defaults, monitor.WithInspectorMetrics(c.metrics))
	}
	return monitor.NewQueueInspector(c.session, exchange, append(defaults, options...)...)
}

// DeclareQueue declares the exchanges and the consume, retry and failed
// queues for queue
func (c *Client) DeclareQueue(ctx context.Context, exchange, queue, routingKey string) error {
	return c.Subscriber(exchange).DeclareQueues(ctx, queue, routingKey)
}

// Peek returns up to limit message bodies waiting on the queue of the
// given kind without consuming them
func (c *Client) Peek(ctx context.Context, exchange, queue, routingKey string, limit int, kind rabbitmq.QueueKind) ([]json.RawMessage, error) {
	return c.Inspector(exchange).Peek(ctx, queue, routingKey, limit, kind)
}

// Run optionally replays the failed queue, then consumes queue until
// opts.Exit returns true, ctx is done or the connection is lost for good
func (c *Client) Run(ctx context.Context, exchange, queue, routingKey string, handler messaging.Handler, opts RunOptions) error {
	if opts.ReplayFailed {
		result, err := c.Replayer(exchange, opts.ReplayOptions...).ReplayFailed(ctx, queue, routingKey, opts.Filter)
		if err != nil {
			return fmt.Errorf("replay failed messages: %w", err)
		}
		c.logger.Info("replayed failed messages",
			"queue", queue,
			"republished", result.Republished,
			"discarded", result.Discarded)
	}

	return c.Subscriber(exchange, opts.SubscriberOptions...).Consume(ctx, queue, routingKey, handler, opts.Exit)
}

// Close closes the broker session and the execution log
func (c *Client) Close() error {
	var errs []error
	if c.session != nil {
		if err := c.session.Close(); err != nil && !errors.Is(err, rabbitmq.ErrSessionClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.runClosers(context.Background()))
	return errors.Join(errs...)
}

func (c *Client) runClosers(ctx context.Context) error {
	var errs []error
	for _, closer := range c.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	metrics        *monitor.Metrics
	execLog        messaging.ExecutionLog
	dialer         rabbitmq.Dialer
	sessionOptions []rabbitmq.SessionOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics records messaging and connection metrics
func WithMetrics(metrics *monitor.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithExecutionLog overrides the execution log chosen from configuration
func WithExecutionLog(log messaging.ExecutionLog) ClientOption {
	return func(cfg *clientConfig) {
		cfg.execLog = log
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithSessionOptions passes extra options to the broker session
func WithSessionOptions(options ...rabbitmq.SessionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sessionOptions = append(cfg.sessionOptions, options...)
	}
}
