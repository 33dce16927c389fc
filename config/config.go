// Package config parses and validates client configuration from
// environment variables using caarlos0/env/v11, after loading an optional
// .env file with godotenv.
//
// Call [Load] once at startup and pass the resulting [Config] to the
// client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

const (
	ExecLogOpen  = "open"
	ExecLogClose = "close"
)

// Config holds all client configuration sourced from environment variables
type Config struct {
	// ── Broker ───────────────────────────────────────────────────────────────
	Host      string        `env:"RABBITMQ_HOST"      envDefault:"127.0.0.1"`
	Port      int           `env:"RABBITMQ_PORT"      envDefault:"5672"`
	User      string        `env:"RABBITMQ_USER"      envDefault:"guest"`
	Password  string        `env:"RABBITMQ_PASS"      envDefault:"guest"`
	VHost     string        `env:"RABBITMQ_VHOST"     envDefault:"/"`
	Heartbeat time.Duration `env:"RABBITMQ_HEARTBEAT" envDefault:"30s"`
	Timeout   time.Duration `env:"RABBITMQ_TIMEOUT"   envDefault:"60s"`

	// ── Retry ────────────────────────────────────────────────────────────────
	RetryCount int `env:"RABBITMQ_RETRYCOUNT" envDefault:"5"`
	// Milliseconds a failed message waits in the retry queue.
	DeadLetterTTL int  `env:"RABBITMQ_DEADLETTERTTL" envDefault:"60000"`
	Delayed       bool `env:"MQ_DELAYED"             envDefault:"false"`

	// ── Execution log ────────────────────────────────────────────────────────
	// "open" records every handler invocation, "close" disables it.
	SubscriberExecLog string `env:"MQ_SUBSCRIBER_EXEC_LOG"      envDefault:"close"`
	MongoURI          string `env:"MQ_EXEC_LOG_MONGO_URI"`
	MongoDatabase     string `env:"MQ_EXEC_LOG_MONGO_DATABASE"`
	MongoCollection   string `env:"MQ_EXEC_LOG_MONGO_COLLECTION" envDefault:"mq_subscriber_execution_log"`

	// ── Logging and metrics ──────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	// Listen address for /metrics; empty disables the endpoint.
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load reads the given .env files (".env" when none are named), then
// parses Config from the environment. Missing .env files are ignored and
// variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration Load produces from an empty
// environment
func Default() *Config {
	cfg := &Config{}
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if err := c.ConnectionConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("RABBITMQ_RETRYCOUNT must not be negative, got %d", c.RetryCount))
	}
	if c.DeadLetterTTL <= 0 {
		errs = append(errs, fmt.Errorf("RABBITMQ_DEADLETTERTTL must be positive, got %d", c.DeadLetterTTL))
	}
	switch c.SubscriberExecLog {
	case ExecLogOpen, ExecLogClose:
	default:
		errs = append(errs, fmt.Errorf("MQ_SUBSCRIBER_EXEC_LOG must be %q or %q, got %q", ExecLogOpen, ExecLogClose, c.SubscriberExecLog))
	}
	if c.MongoURI != "" && c.MongoDatabase == "" {
		errs = append(errs, errors.New("MQ_EXEC_LOG_MONGO_DATABASE is required with MQ_EXEC_LOG_MONGO_URI"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ConnectionConfig returns the broker connection settings
func (c *Config) ConnectionConfig() rabbitmq.Config {
	return rabbitmq.Config{
		Host:      c.Host,
		Port:      c.Port,
		User:      c.User,
		Password:  c.Password,
		VHost:     c.VHost,
		Heartbeat: c.Heartbeat,
		Timeout:   c.Timeout,
	}
}

// RetryTTL returns DeadLetterTTL as a duration
func (c *Config) RetryTTL() time.Duration {
	return time.Duration(c.DeadLetterTTL) * time.Millisecond
}

// ExecLogEnabled reports whether handler invocations are recorded
func (c *Config) ExecLogEnabled() bool {
	return c.SubscriberExecLog == ExecLogOpen
}

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// String masks the broker password
func (c Config) String() string {
	masked := c
	if masked.Password != "" {
		masked.Password = "***"
	}
	masked.MongoURI = rabbitmq.SanitizeURL(masked.MongoURI)
	return fmt.Sprintf("%+v", configView(masked))
}

// configView drops the String method to avoid recursion
type configView Config
