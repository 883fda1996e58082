package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	amqpconn "github.com/glimte/mmate-dispatch/internal/rabbitmq"
	"github.com/glimte/mmate-dispatch/messaging"
)

func begin(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{Name: name, Timestamp: start, Details: make(map[string]any)}, start
}

func fail(result CheckResult, start time.Time, status Status, message string, err error) CheckResult {
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// Fleet is the dispatcher view a DispatcherChecker needs
type Fleet interface {
	State() messaging.DispatcherState
	Consumers() []*messaging.Consumer
	Connections() []messaging.Connection
}

// DispatcherChecker reports the consumer fleet of a dispatcher. It is
// unhealthy when any consumer faulted and degraded when the dispatcher is not
// running or a connection has no open consumer.
type DispatcherChecker struct {
	fleet Fleet
}

// NewDispatcherChecker creates a checker for fleet
func NewDispatcherChecker(fleet Fleet) *DispatcherChecker {
	return &DispatcherChecker{fleet: fleet}
}

func (c *DispatcherChecker) Name() string { return "dispatcher" }

func (c *DispatcherChecker) Check(context.Context) CheckResult {
	result, start := begin(c.Name())

	state := c.fleet.State()
	open := make(map[string]int)
	var faulted []string
	for _, consumer := range c.fleet.Consumers() {
		switch {
		case consumer.State() == messaging.ConsumerOpen:
			open[consumer.Name()]++
		case consumer.Faulted():
			faulted = append(faulted, consumer.Name())
		}
	}
	var idle []string
	for _, conn := range c.fleet.Connections() {
		if open[conn.Name] == 0 {
			idle = append(idle, conn.Name)
		}
	}

	result.Details["state"] = state.String()
	result.Details["openConsumers"] = open
	result.Duration = time.Since(start)

	switch {
	case len(faulted) > 0:
		result.Details["faulted"] = faulted
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d consumer(s) faulted", len(faulted))
	case state != messaging.DispatcherRunning:
		result.Status = StatusDegraded
		result.Message = "dispatcher is " + state.String()
	case len(idle) > 0:
		result.Details["idle"] = idle
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d connection(s) without consumers", len(idle))
	default:
		result.Status = StatusHealthy
		result.Message = "all connections consuming"
	}
	return result
}

// RabbitMQChecker checks the managed AMQP connection by opening a channel
type RabbitMQChecker struct {
	manager *amqpconn.ConnectionManager
}

// NewRabbitMQChecker creates a checker for manager
func NewRabbitMQChecker(manager *amqpconn.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{manager: manager}
}

func (c *RabbitMQChecker) Name() string { return "rabbitmq" }

func (c *RabbitMQChecker) Check(context.Context) CheckResult {
	result, start := begin(c.Name())

	ch, err := c.manager.Channel()
	if err != nil {
		return fail(result, start, StatusUnhealthy, "no usable connection", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		return fail(result, start, StatusDegraded, "broker did not answer", err)
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	return result
}

// QueueDepthChecker reports a RabbitMQ queue as degraded above a backlog
// threshold
type QueueDepthChecker struct {
	manager   *amqpconn.ConnectionManager
	queue     string
	threshold int
}

// NewQueueDepthChecker creates a checker for queue
func NewQueueDepthChecker(manager *amqpconn.ConnectionManager, queue string, threshold int) *QueueDepthChecker {
	return &QueueDepthChecker{manager: manager, queue: queue, threshold: threshold}
}

func (c *QueueDepthChecker) Name() string { return "queue_" + c.queue }

func (c *QueueDepthChecker) Check(context.Context) CheckResult {
	result, start := begin(c.Name())

	ch, err := c.manager.Channel()
	if err != nil {
		return fail(result, start, StatusUnhealthy, "no usable connection", err)
	}
	defer ch.Close()

	q, err := amqpconn.InspectQueue(ch, c.queue)
	if err != nil {
		return fail(result, start, StatusUnhealthy, "queue not accessible", err)
	}

	result.Details["messages"] = q.Messages
	result.Details["consumers"] = q.Consumers
	result.Duration = time.Since(start)
	if c.threshold > 0 && q.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s backlog is %d", c.queue, q.Messages)
		return result
	}
	result.Status = StatusHealthy
	result.Message = "queue is accessible"
	return result
}

// RedisChecker pings a Redis server
type RedisChecker struct {
	rdb redis.UniversalClient
}

// NewRedisChecker creates a checker for rdb
func NewRedisChecker(rdb redis.UniversalClient) *RedisChecker {
	return &RedisChecker{rdb: rdb}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fail(result, start, StatusUnhealthy, "ping failed", err)
	}
	result.Status = StatusHealthy
	result.Message = "ping ok"
	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	return result
}

// MemoryChecker watches the goroutine count and heap of the process
type MemoryChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewMemoryChecker creates a checker degrading above warn goroutines and
// failing above critical
func NewMemoryChecker(warn, critical int) *MemoryChecker {
	return &MemoryChecker{warnGoroutines: warn, criticalGoroutines: critical}
}

func (c *MemoryChecker) Name() string { return "memory" }

func (c *MemoryChecker) Check(context.Context) CheckResult {
	result, start := begin(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["heapAllocMb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gcRuns"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "memory usage is normal"
	}
	result.Duration = time.Since(start)
	return result
}
