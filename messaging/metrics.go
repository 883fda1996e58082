package messaging

import (
	"sync"
	"time"
)

// Outcome names what a pump did with a message
type Outcome string

const (
	OutcomeAcknowledged   Outcome = "acknowledged"
	OutcomeRequeued       Outcome = "requeued"
	OutcomeDropped        Outcome = "dropped"
	OutcomeRejected       Outcome = "rejected"
	OutcomeUnacceptable   Outcome = "unacceptable"
	OutcomeChannelFailure Outcome = "channel_failure"
	OutcomeFailed         Outcome = "failed"
)

// MetricsCollector collects pump and dispatcher metrics
type MetricsCollector interface {
	// RecordMessage records the outcome of one message
	RecordMessage(connection string, outcome Outcome, duration time.Duration)

	// RecordChannelFailure records a transport failure
	RecordChannelFailure(connection string)

	// RecordConsumers records the number of open consumers of a connection
	RecordConsumers(connection string, open int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordMessage does nothing
func (NoOpMetricsCollector) RecordMessage(string, Outcome, time.Duration) {}

// RecordChannelFailure does nothing
func (NoOpMetricsCollector) RecordChannelFailure(string) {}

// RecordConsumers does nothing
func (NoOpMetricsCollector) RecordConsumers(string, int) {}

// ConnectionStats holds the counters of one connection
type ConnectionStats struct {
	Outcomes        map[Outcome]int64
	ChannelFailures int64
	OpenConsumers   int
	TotalTime       time.Duration
	Messages        int64
}

// AverageProcessTime returns the mean processing time
func (s ConnectionStats) AverageProcessTime() time.Duration {
	if s.Messages == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Messages)
}

// SimpleMetricsCollector keeps metrics in memory
type SimpleMetricsCollector struct {
	mu    sync.RWMutex
	stats map[string]*ConnectionStats
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{stats: make(map[string]*ConnectionStats)}
}

func (c *SimpleMetricsCollector) get(connection string) *ConnectionStats {
	s, ok := c.stats[connection]
	if !ok {
		s = &ConnectionStats{Outcomes: make(map[Outcome]int64)}
		c.stats[connection] = s
	}
	return s
}

// RecordMessage implements MetricsCollector
func (c *SimpleMetricsCollector) RecordMessage(connection string, outcome Outcome, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.get(connection)
	s.Outcomes[outcome]++
	s.Messages++
	s.TotalTime += duration
}

// RecordChannelFailure implements MetricsCollector
func (c *SimpleMetricsCollector) RecordChannelFailure(connection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(connection).ChannelFailures++
}

// RecordConsumers implements MetricsCollector
func (c *SimpleMetricsCollector) RecordConsumers(connection string, open int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(connection).OpenConsumers = open
}

// Snapshot returns a copy of the stats of every connection
func (c *SimpleMetricsCollector) Snapshot() map[string]ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ConnectionStats, len(c.stats))
	for name, s := range c.stats {
		cp := *s
		cp.Outcomes = make(map[Outcome]int64, len(s.Outcomes))
		for k, v := range s.Outcomes {
			cp.Outcomes[k] = v
		}
		out[name] = cp
	}
	return out
}
