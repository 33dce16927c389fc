package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-retry-go/internal/reliability"
)

const (
	DefaultConnectAttempts = 10
	DefaultReconnectDelay  = time.Second
)

// ConnectionStateListener receives connection state change notifications.
// Callbacks run synchronously and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Session owns at most one broker connection and a set of named channels
// opened on it. Channels are cached by id and reopened on demand; every
// reconnect invalidates the channels issued before it.
type Session struct {
	cfg            Config
	url            string
	dial           Dialer
	conn           Connection
	channels       map[string]Channel
	mu             sync.Mutex
	dialMu         sync.Mutex
	reconnectDelay time.Duration
	maxAttempts    int
	logger         *slog.Logger
	closed         bool
	dialed         bool
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// SessionOption configures the Session
type SessionOption func(*Session)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) SessionOption {
	return func(s *Session) {
		s.dial = dial
	}
}

// WithReconnectDelay sets the delay between connection attempts
func WithReconnectDelay(delay time.Duration) SessionOption {
	return func(s *Session) {
		s.reconnectDelay = delay
	}
}

// WithMaxAttempts sets the number of connection attempts made by Connect
func WithMaxAttempts(attempts int) SessionOption {
	return func(s *Session) {
		s.maxAttempts = attempts
	}
}

// WithStateListener registers a connection state listener
func WithStateListener(listener ConnectionStateListener) SessionOption {
	return func(s *Session) {
		s.stateListeners = append(s.stateListeners, listener)
	}
}

// NewSession validates cfg and returns an unconnected session
func NewSession(cfg Config, options ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:            cfg,
		url:            cfg.URL(),
		dial:           AMQPDialer,
		channels:       make(map[string]Channel),
		reconnectDelay: DefaultReconnectDelay,
		maxAttempts:    DefaultConnectAttempts,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfiguration)
	}

	return s, nil
}

// Dial creates a session and connects it
func Dial(ctx context.Context, cfg Config, options ...SessionOption) (*Session, error) {
	s, err := NewSession(cfg, options...)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect establishes the connection, retrying transient failures with a
// fixed delay. Non-transient failures are returned after the first attempt.
func (s *Session) Connect(ctx context.Context) error {
	policy := reliability.NewFixedDelay(s.reconnectDelay, s.maxAttempts-1)

	err := reliability.Retry(ctx, "connect", policy, func(attempt int) error {
		if attempt > 0 {
			s.logger.Info("attempting to reconnect",
				"attempt", attempt+1,
				"maxAttempts", s.maxAttempts)
		}

		err := s.ensure(ctx)
		if err != nil && !IsTransient(err) {
			return reliability.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("connection attempt failed",
				"error", err,
				"attempt", attempt+1,
				"url", SanitizeURL(s.url))
		}
		return err
	})
	if err == nil {
		return nil
	}

	attempts := 1
	if retryErr, ok := err.(*reliability.RetryError); ok {
		attempts = retryErr.Attempts
	}
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(s.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// Ensure makes a single attempt to bring the connection up. It is a no-op
// when the connection is already open.
func (s *Session) Ensure(ctx context.Context) error {
	if err := s.ensure(ctx); err != nil {
		return &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	return nil
}

func (s *Session) ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// one dial at a time; late callers find the connection it opened
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil && !s.conn.IsClosed() {
		s.mu.Unlock()
		return nil
	}

	redial := s.dialed
	s.cleanupLocked()
	s.mu.Unlock()

	if redial {
		s.notifyReconnecting(1)
	}

	conn, err := s.dial(s.url, s.cfg.AMQPConfig())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	if s.conn != nil && !s.conn.IsClosed() {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.dialed = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	s.mu.Unlock()

	go s.watch(conn, notifyClose)

	s.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(s.url))
	s.notifyConnected()

	return nil
}

// watch reports broker-initiated closes. Recovery is driven by the
// components through Ensure.
func (s *Session) watch(conn Connection, notifyClose <-chan *amqp.Error) {
	err, ok := <-notifyClose
	if !ok || err == nil {
		return
	}

	s.logger.Error("connection closed", "error", err)
	s.notifyDisconnected(err)
}

// Channel returns the cached channel for id, opening a new one when it is
// missing or closed.
func (s *Session) Channel(id string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conn == nil || s.conn.IsClosed() {
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: id,
			Err:       ErrConnectionNotReady,
			Timestamp: time.Now(),
		}
	}

	if ch, ok := s.channels[id]; ok && !ch.IsClosed() {
		return ch, nil
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	s.channels[id] = ch

	s.logger.Debug("opened channel", "channelId", id)
	return ch, nil
}

// CloseChannel closes and forgets the channel cached under id
func (s *Session) CloseChannel(id string) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	delete(s.channels, id)
	s.mu.Unlock()

	if ok && !ch.IsClosed() {
		_ = ch.Close()
	}
}

// IsConnected returns the connection status
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.conn != nil && !s.conn.IsClosed()
}

// Close closes all channels and the connection. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.cleanupLocked()
}

func (s *Session) cleanupLocked() error {
	for id, ch := range s.channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		delete(s.channels, id)
	}

	if s.conn == nil {
		return nil
	}

	conn := s.conn
	s.conn = nil
	if conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener
func (s *Session) AddStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.stateListeners = append(s.stateListeners, listener)
}

func (s *Session) listeners() []ConnectionStateListener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), s.stateListeners...)
}

func (s *Session) notifyConnected() {
	for _, listener := range s.listeners() {
		listener.OnConnected()
	}
}

func (s *Session) notifyDisconnected(err error) {
	for _, listener := range s.listeners() {
		listener.OnDisconnected(err)
	}
}

func (s *Session) notifyReconnecting(attempt int) {
	for _, listener := range s.listeners() {
		listener.OnReconnecting(attempt)
	}
}
