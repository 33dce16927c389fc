// Package journal provides sinks for subscriber execution records: a
// structured log, a bounded in-memory journal and a MongoDB collection.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-retry-go/messaging"
)

// LogJournal writes execution records to a logger
type LogJournal struct {
	logger *slog.Logger
}

// NewLogJournal creates a journal that logs every record at info level
func NewLogJournal(logger *slog.Logger) *LogJournal {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogJournal{logger: logger}
}

// Record implements messaging.ExecutionLog
func (j *LogJournal) Record(ctx context.Context, record messaging.ExecutionRecord) error {
	j.logger.InfoContext(ctx, "subscriber execution",
		"exchange", record.Exchange,
		"queue", record.Queue,
		"routingKey", record.RoutingKey,
		"executionTime", record.ExecutionTime,
		"output", record.Output,
		"success", record.Success,
		"memoryUsage", record.MemoryUsage)
	return nil
}

// Stats summarizes the records held by a MemoryJournal
type Stats struct {
	TotalEntries    int64            `json:"totalEntries"`
	Failures        int64            `json:"failures"`
	EntriesByQueue  map[string]int64 `json:"entriesByQueue"`
	AverageDuration time.Duration    `json:"averageDuration"`
	LastEntry       time.Time        `json:"lastEntry"`
}

// MemoryJournal keeps the most recent execution records in memory
type MemoryJournal struct {
	mu            sync.RWMutex
	entries       []messaging.ExecutionRecord
	maxEntries    int
	rotatePercent float64
}

// MemoryJournalOption configures the in-memory journal
type MemoryJournalOption func(*MemoryJournal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) MemoryJournalOption {
	return func(j *MemoryJournal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the share of entries dropped when max is reached
func WithRotatePercent(percent float64) MemoryJournalOption {
	return func(j *MemoryJournal) {
		j.rotatePercent = percent
	}
}

// NewMemoryJournal creates a new in-memory journal
func NewMemoryJournal(opts ...MemoryJournalOption) *MemoryJournal {
	j := &MemoryJournal{
		maxEntries:    10000,
		rotatePercent: 0.2,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record implements messaging.ExecutionLog
func (j *MemoryJournal) Record(ctx context.Context, record messaging.ExecutionRecord) error {
	if record.LoggedAt.IsZero() {
		record.LoggedAt = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}
	j.entries = append(j.entries, record)
	return nil
}

// ByQueue returns up to limit of the most recent records for queue. A
// limit of zero returns all of them.
func (j *MemoryJournal) ByQueue(queue string, limit int) []messaging.ExecutionRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []messaging.ExecutionRecord
	for _, entry := range j.entries {
		if entry.Queue == queue {
			result = append(result, entry)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// Stats returns journal statistics
func (j *MemoryJournal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := Stats{
		TotalEntries:   int64(len(j.entries)),
		EntriesByQueue: make(map[string]int64),
	}

	var total time.Duration
	for _, entry := range j.entries {
		stats.EntriesByQueue[entry.Queue]++
		if !entry.Success {
			stats.Failures++
		}
		total += entry.ExecutionTime
		if entry.LoggedAt.After(stats.LastEntry) {
			stats.LastEntry = entry.LoggedAt
		}
	}
	if len(j.entries) > 0 {
		stats.AverageDuration = total / time.Duration(len(j.entries))
	}
	return stats
}

// rotate drops the oldest entries
func (j *MemoryJournal) rotate() {
	removeCount := int(float64(j.maxEntries) * j.rotatePercent)
	if removeCount < 1 {
		removeCount = 1
	}
	if removeCount > len(j.entries) {
		removeCount = len(j.entries)
	}
	j.entries = append([]messaging.ExecutionRecord(nil), j.entries[removeCount:]...)
}

var (
	_ messaging.ExecutionLog = (*LogJournal)(nil)
	_ messaging.ExecutionLog = (*MemoryJournal)(nil)
)
