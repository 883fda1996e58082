package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-dispatch/contracts"
)

func mustConnection(t *testing.T, name string, opts ...ConnectionOption) Connection {
	t.Helper()
	opts = append([]ConnectionOption{WithRequestType("TestOrder"), WithTimeOut(10 * time.Millisecond)}, opts...)
	conn, err := NewConnection(name, opts...)
	require.NoError(t, err)
	return conn
}

func newTestDispatcher(t *testing.T, factory *fakeFactory, proc CommandProcessor, conns ...Connection) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(factory, fakeMappers{"TestOrder": testTranslator()}, proc, conns)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.End(ctx)
	})
	return d
}

func endWithin(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.End(ctx))
}

func TestNewDispatcher(t *testing.T) {
	mappers := fakeMappers{"TestOrder": testTranslator()}

	t.Run("rejects duplicate connection names", func(t *testing.T) {
		conn := mustConnection(t, "orders")
		_, err := NewDispatcher(newFakeFactory(), mappers, &recordingProcessor{}, []Connection{conn, conn})
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("rejects unknown request types", func(t *testing.T) {
		conn := mustConnection(t, "orders", WithRequestType("Unknown"))
		_, err := NewDispatcher(newFakeFactory(), mappers, &recordingProcessor{}, []Connection{conn})
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("needs a channel factory", func(t *testing.T) {
		_, err := NewDispatcher(nil, mappers, &recordingProcessor{}, []Connection{mustConnection(t, "orders")})
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("starts awaiting", func(t *testing.T) {
		d := newTestDispatcher(t, newFakeFactory(), &recordingProcessor{}, mustConnection(t, "orders"))
		assert.Equal(t, DispatcherAwaiting, d.State())
		assert.Empty(t, d.Consumers())
		assert.Len(t, d.Connections(), 1)
	})
}

func TestDispatcher(t *testing.T) {
	t.Run("receive starts one consumer per performer", func(t *testing.T) {
		factory := newFakeFactory()
		d := newTestDispatcher(t, factory, &recordingProcessor{},
			mustConnection(t, "orders", WithPerformers(3)),
			mustConnection(t, "payments"),
		)

		require.NoError(t, d.Receive(context.Background()))

		assert.Equal(t, DispatcherRunning, d.State())
		assert.Len(t, d.ConsumersFor("orders"), 3)
		assert.Len(t, d.ConsumersFor("payments"), 1)
		assert.Len(t, factory.channelsFor("orders"), 3)
		for _, c := range d.Consumers() {
			assert.Equal(t, ConsumerOpen, c.State())
			assert.NotEmpty(t, c.ID())
			assert.True(t, c.Performer().Running())
		}
	})

	t.Run("messages on every channel reach the processor", func(t *testing.T) {
		factory := newFakeFactory()
		factory.seed = func(conn Connection) []*contracts.Message {
			return []*contracts.Message{command(conn.Name)}
		}
		proc := &recordingProcessor{}
		d := newTestDispatcher(t, factory, proc, mustConnection(t, "orders", WithPerformers(2)), mustConnection(t, "refunds", WithAsync(true)))

		require.NoError(t, d.Receive(context.Background()))

		assert.Eventually(t, func() bool { return len(proc.Sent()) == 3 }, time.Second, 5*time.Millisecond)
		assert.ElementsMatch(t, []string{"orders", "orders", "refunds"}, proc.Sent())
	})

	t.Run("shut stops one connection and keeps the dispatcher running", func(t *testing.T) {
		factory := newFakeFactory()
		d := newTestDispatcher(t, factory, &recordingProcessor{},
			mustConnection(t, "orders", WithPerformers(2)),
			mustConnection(t, "payments"),
		)
		require.NoError(t, d.Receive(context.Background()))

		require.NoError(t, d.Shut("orders"))
		require.NoError(t, d.Shut("orders"))

		assert.Eventually(t, func() bool { return len(d.ConsumersFor("orders")) == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.Len(t, d.ConsumersFor("payments"), 1)
		assert.Equal(t, DispatcherRunning, d.State())
		for _, ch := range factory.channelsFor("orders") {
			assert.True(t, ch.closed())
		}
	})

	t.Run("a shut connection can be reopened by name", func(t *testing.T) {
		factory := newFakeFactory()
		d := newTestDispatcher(t, factory, &recordingProcessor{}, mustConnection(t, "orders"))
		require.NoError(t, d.Receive(context.Background()))
		require.NoError(t, d.Shut("orders"))
		assert.Eventually(t, func() bool { return len(d.ConsumersFor("orders")) == 0 }, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, d.OpenByName(context.Background(), "orders"))

		assert.Len(t, d.ConsumersFor("orders"), 1)
		assert.Len(t, factory.channelsFor("orders"), 2)
	})

	t.Run("shut of an unknown connection is a configuration error", func(t *testing.T) {
		d := newTestDispatcher(t, newFakeFactory(), &recordingProcessor{}, mustConnection(t, "orders"))

		err := d.Shut("nope")

		assert.True(t, contracts.IsConfigurationError(err))
		assert.ErrorIs(t, err, contracts.ErrConnectionNotFound)
		assert.ErrorIs(t, d.OpenByName(context.Background(), "nope"), contracts.ErrConnectionNotFound)
	})

	t.Run("open adds connections and performers while running", func(t *testing.T) {
		factory := newFakeFactory()
		d := newTestDispatcher(t, factory, &recordingProcessor{}, mustConnection(t, "orders"))
		require.NoError(t, d.Receive(context.Background()))
		before := d.ConsumersFor("orders")[0]

		require.NoError(t, d.Open(context.Background(), mustConnection(t, "shipping", WithPerformers(2))))
		require.NoError(t, d.OpenByName(context.Background(), "orders"))

		assert.Len(t, d.ConsumersFor("shipping"), 2)
		assert.Len(t, d.ConsumersFor("orders"), 2)
		assert.Equal(t, ConsumerOpen, before.State())
		assert.Len(t, d.Connections(), 2)
	})

	t.Run("open rejects an unknown request type", func(t *testing.T) {
		d := newTestDispatcher(t, newFakeFactory(), &recordingProcessor{})

		err := d.Open(context.Background(), mustConnection(t, "mystery", WithRequestType("Mystery")))

		assert.True(t, contracts.IsConfigurationError(err))
		assert.Empty(t, d.Connections())
	})

	t.Run("channel creation failures are returned", func(t *testing.T) {
		factory := newFakeFactory()
		factory.err = contracts.NewChannelFailure("orders", "declare", errors.New("refused"))
		d := newTestDispatcher(t, factory, &recordingProcessor{}, mustConnection(t, "orders"))

		err := d.Receive(context.Background())

		assert.ErrorIs(t, err, contracts.ErrChannelFailure)
		assert.Empty(t, d.Consumers())
	})

	t.Run("a faulted consumer stays visible until shut", func(t *testing.T) {
		factory := newFakeFactory()
		factory.seed = func(Connection) []*contracts.Message {
			return []*contracts.Message{contracts.NewUnacceptableMessage("orders", nil)}
		}
		d := newTestDispatcher(t, factory, &recordingProcessor{}, mustConnection(t, "orders", WithUnacceptableMessageLimit(1)))
		require.NoError(t, d.Receive(context.Background()))

		assert.Eventually(t, func() bool {
			consumers := d.ConsumersFor("orders")
			return len(consumers) == 1 && consumers[0].State() == ConsumerClosed
		}, 2*time.Second, 5*time.Millisecond)

		faulted := d.ConsumersFor("orders")[0]
		assert.True(t, faulted.Faulted())
		assert.ErrorIs(t, faulted.Err(), contracts.ErrUnacceptableMessageLimit)
		assert.Equal(t, DispatcherRunning, d.State())

		require.NoError(t, d.Shut("orders"))
		assert.Empty(t, d.ConsumersFor("orders"))
	})

	t.Run("end stops everything and is idempotent", func(t *testing.T) {
		factory := newFakeFactory()
		d := newTestDispatcher(t, factory, &recordingProcessor{},
			mustConnection(t, "orders", WithPerformers(3)),
			mustConnection(t, "events", WithAsync(true), WithPerformers(2)),
		)
		require.NoError(t, d.Receive(context.Background()))

		endWithin(t, d)
		endWithin(t, d)

		assert.Equal(t, DispatcherStopped, d.State())
		assert.Empty(t, d.Consumers())
		for _, name := range []string{"orders", "events"} {
			for _, ch := range factory.channelsFor(name) {
				assert.True(t, ch.closed())
			}
		}

		err := d.Open(context.Background(), mustConnection(t, "late"))
		assert.ErrorIs(t, err, contracts.ErrDispatcherStopped)
		assert.True(t, IsStopped(d.OpenByName(context.Background(), "orders")))
	})

	t.Run("end before receive stops an idle dispatcher", func(t *testing.T) {
		d := newTestDispatcher(t, newFakeFactory(), &recordingProcessor{}, mustConnection(t, "orders"))

		endWithin(t, d)

		assert.Equal(t, DispatcherStopped, d.State())
	})

	t.Run("end gives up when its context expires", func(t *testing.T) {
		release := make(chan struct{})
		factory := newFakeFactory()
		factory.seed = func(Connection) []*contracts.Message {
			return []*contracts.Message{command("stuck")}
		}
		proc := &recordingProcessor{handle: func(*testOrder) error {
			<-release
			return nil
		}}
		d := newTestDispatcher(t, factory, proc, mustConnection(t, "orders"))
		require.NoError(t, d.Receive(context.Background()))
		assert.Eventually(t, func() bool { return len(proc.Sent()) == 1 }, time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := d.End(ctx)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, DispatcherStopping, d.State())

		close(release)
		endWithin(t, d)
		assert.Equal(t, DispatcherStopped, d.State())
	})

	t.Run("a waiting end takes over when the first gives up", func(t *testing.T) {
		release := make(chan struct{})
		factory := newFakeFactory()
		factory.seed = func(Connection) []*contracts.Message {
			return []*contracts.Message{command("stuck")}
		}
		proc := &recordingProcessor{handle: func(*testOrder) error {
			<-release
			return nil
		}}
		d := newTestDispatcher(t, factory, proc, mustConnection(t, "orders"))
		require.NoError(t, d.Receive(context.Background()))
		assert.Eventually(t, func() bool { return len(proc.Sent()) == 1 }, time.Second, 5*time.Millisecond)

		short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancelShort()
		first := make(chan error, 1)
		go func() { first <- d.End(short) }()
		assert.Eventually(t, func() bool { return d.State() == DispatcherStopping }, time.Second, time.Millisecond)

		long, cancelLong := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelLong()
		second := make(chan error, 1)
		go func() { second <- d.End(long) }()

		assert.ErrorIs(t, <-first, context.DeadlineExceeded)
		close(release)

		select {
		case err := <-second:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiting end did not finish after the consumers stopped")
		}
		assert.Equal(t, DispatcherStopped, d.State())
	})

	t.Run("metrics track open consumers", func(t *testing.T) {
		metrics := NewSimpleMetricsCollector()
		d, err := NewDispatcher(newFakeFactory(), fakeMappers{"TestOrder": testTranslator()}, &recordingProcessor{},
			[]Connection{mustConnection(t, "orders", WithPerformers(2))},
			WithDispatcherMetrics(metrics))
		require.NoError(t, err)

		require.NoError(t, d.Receive(context.Background()))
		assert.Equal(t, 2, metrics.Snapshot()["orders"].OpenConsumers)

		endWithin(t, d)
		assert.Zero(t, metrics.Snapshot()["orders"].OpenConsumers)
	})
}
