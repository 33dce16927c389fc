package rabbitmq

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultTimeout   = 60 * time.Second
)

// Config holds broker connection parameters
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration
	// Timeout bounds dialing and socket reads/writes. Must be at least
	// twice the heartbeat interval.
	Timeout time.Duration
}

// DefaultConfig returns a config for a local broker
func DefaultConfig() Config {
	return Config{
		Host:      "127.0.0.1",
		Port:      5672,
		User:      "guest",
		Password:  "guest",
		VHost:     "/",
		Heartbeat: DefaultHeartbeat,
		Timeout:   DefaultTimeout,
	}
}

// Validate checks the connection parameters
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfiguration)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must not be negative", ErrInvalidConfiguration)
	}
	if c.Timeout < 2*c.Heartbeat {
		return fmt.Errorf("%w: timeout %v must be at least twice the heartbeat %v",
			ErrInvalidConfiguration, c.Timeout, c.Heartbeat)
	}
	return nil
}

// URL builds the amqp URL for the config
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
	}
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	// "/" must be escaped so the default vhost survives as %2F
	u.RawPath = "/" + url.PathEscape(vhost)
	u.Path = "/" + vhost
	return u.String()
}

// AMQPConfig returns the amqp091 dial configuration
func (c Config) AMQPConfig() amqp.Config {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.Config{
		Vhost:     vhost,
		Heartbeat: c.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.Timeout),
	}
}
