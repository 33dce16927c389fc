package messaging

import (
	"context"
	"time"
)

// Disposition is where a consumed message ended up
type Disposition string

const (
	DispositionAcked   Disposition = "acked"
	DispositionRetried Disposition = "retried"
	DispositionFailed  Disposition = "failed"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordMessage records a consumed message and its handler duration
	RecordMessage(queue string, disposition Disposition, duration time.Duration)

	// RecordPublish records a publish attempt
	RecordPublish(exchange string, duration time.Duration, success bool)

	// RecordReplay records a failed message that was republished or dropped
	RecordReplay(queue string, republished bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordMessage does nothing
func (NoOpMetricsCollector) RecordMessage(string, Disposition, time.Duration) {}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, time.Duration, bool) {}

// RecordReplay does nothing
func (NoOpMetricsCollector) RecordReplay(string, bool) {}

// ExecutionRecord describes one handler invocation
type ExecutionRecord struct {
	Exchange      string
	Queue         string
	RoutingKey    string
	Message       string
	ExecutionTime time.Duration
	Output        string
	Success       bool
	MemoryUsage   string
	LoggedAt      time.Time
}

// ExecutionLog stores execution records. Write failures never affect
// message handling.
type ExecutionLog interface {
	Record(ctx context.Context, record ExecutionRecord) error
}
