package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-dispatch/contracts"
	amqpconn "github.com/glimte/mmate-dispatch/internal/rabbitmq"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/processor"
	"github.com/glimte/mmate-dispatch/serialization"
	"github.com/glimte/mmate-dispatch/transports/memory"
)

type Ping struct {
	contracts.BaseCommand
}

func newDispatcher(t *testing.T, bus *memory.Bus, opts ...messaging.ConnectionOption) *messaging.Dispatcher {
	t.Helper()
	registry := serialization.NewRegistry()
	require.NoError(t, serialization.RegisterJSON[Ping](registry))
	proc := processor.New()
	t.Cleanup(proc.Close)
	require.NoError(t, processor.Handle(proc, func(context.Context, *Ping) error { return nil }))

	base := []messaging.ConnectionOption{
		messaging.WithRequestType("Ping"),
		messaging.WithTimeOut(5 * time.Millisecond),
	}
	conn, err := messaging.NewConnection("pings", append(base, opts...)...)
	require.NoError(t, err)
	dispatcher, err := messaging.NewDispatcher(memory.NewChannelFactory(bus), registry, proc, []messaging.Connection{conn})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.End(ctx)
	})
	return dispatcher
}

func TestDispatcherChecker(t *testing.T) {
	t.Run("degraded before receive", func(t *testing.T) {
		dispatcher := newDispatcher(t, memory.NewBus())

		result := NewDispatcherChecker(dispatcher).Check(context.Background())

		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "awaiting", result.Details["state"])
	})

	t.Run("healthy while consuming", func(t *testing.T) {
		dispatcher := newDispatcher(t, memory.NewBus())
		require.NoError(t, dispatcher.Receive(context.Background()))

		result := NewDispatcherChecker(dispatcher).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
	})

	t.Run("degraded when a connection is shut", func(t *testing.T) {
		dispatcher := newDispatcher(t, memory.NewBus())
		require.NoError(t, dispatcher.Receive(context.Background()))
		require.NoError(t, dispatcher.Shut("pings"))

		assert.Eventually(t, func() bool {
			return NewDispatcherChecker(dispatcher).Check(context.Background()).Status == StatusDegraded
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("unhealthy when a consumer faulted", func(t *testing.T) {
		bus := memory.NewBus()
		bus.Enqueue("pings", contracts.NewUnacceptableMessage("pings", []byte("?")))
		dispatcher := newDispatcher(t, bus, messaging.WithUnacceptableMessageLimit(1))
		require.NoError(t, dispatcher.Receive(context.Background()))

		assert.Eventually(t, func() bool {
			return NewDispatcherChecker(dispatcher).Check(context.Background()).Status == StatusUnhealthy
		}, time.Second, 5*time.Millisecond)
	})
}

func TestRedisChecker(t *testing.T) {
	server := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer rdb.Close()
	checker := NewRedisChecker(rdb)

	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	server.Close()
	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestRabbitMQChecker(t *testing.T) {
	manager := amqpconn.NewConnectionManager("amqp://localhost:5672/")

	result := NewRabbitMQChecker(manager).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)

	depth := NewQueueDepthChecker(manager, "orders", 100).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, depth.Status)
	assert.Equal(t, "queue_orders", depth.Name)
}

func TestMemoryChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewMemoryChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewMemoryChecker(0, 1).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewMemoryChecker(1, 1_000_000).Check(context.Background()).Status)
}
