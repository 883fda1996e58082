package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-dispatch/contracts"
	amqpconn "github.com/glimte/mmate-dispatch/internal/rabbitmq"
	"github.com/glimte/mmate-dispatch/messaging"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeAMQP stands in for *amqp.Channel
type fakeAMQP struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	queues     map[string]bool
	bindings   []string
	acks       []uint64
	nacks      []uint64
	published  []published
	prefetch   int
	purged     int
	closed     bool
	consumeErr error
	publishErr error
}

func newFakeAMQP() *fakeAMQP {
	return &fakeAMQP{deliveries: make(chan amqp.Delivery, 16), queues: map[string]bool{}}
}

func (f *fakeAMQP) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (f *fakeAMQP) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (f *fakeAMQP) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.queues[name] {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue " + name}
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeAMQP) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, exchange+"/"+key+"/"+name)
	return nil
}

func (f *fakeAMQP) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeAMQP) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeAMQP) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAMQP) Nack(tag uint64, _, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	return nil
}

func (f *fakeAMQP) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeAMQP) QueuePurge(string, bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
	return len(f.deliveries), nil
}

func (f *fakeAMQP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	return nil
}

func (f *fakeAMQP) deliver(tag uint64, messageType string, handled int64, body string) {
	f.deliveries <- amqp.Delivery{
		DeliveryTag: tag,
		MessageId:   body + "-id",
		RoutingKey:  "orders.place",
		ContentType: "application/json",
		Headers:     amqp.Table{headerMessageType: messageType, headerHandledCount: handled},
		Body:        []byte(body),
	}
}

func factoryFor(fakes ...*fakeAMQP) *ChannelFactory {
	var mu sync.Mutex
	next := 0
	return newChannelFactory(func() (amqpChannel, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(fakes) {
			return nil, amqpconn.ErrConnectionNotReady
		}
		f := fakes[next]
		next++
		return f, nil
	}, WithExchange("mmate.commands", amqp.ExchangeTopic))
}

func connection(t *testing.T, opts ...messaging.ConnectionOption) messaging.Connection {
	t.Helper()
	base := []messaging.ConnectionOption{
		messaging.WithRequestType("PlaceOrder"),
		messaging.WithChannelName("orders"),
		messaging.WithRoutingKey("orders.place"),
	}
	conn, err := messaging.NewConnection("orders", append(base, opts...)...)
	require.NoError(t, err)
	return conn
}

func TestChannelFactory(t *testing.T) {
	t.Run("create policy declares and binds the queue", func(t *testing.T) {
		fake := newFakeAMQP()

		_, err := factoryFor(fake).CreateSyncChannel(connection(t))

		require.NoError(t, err)
		assert.True(t, fake.queues["orders"])
		assert.Equal(t, []string{"mmate.commands/orders.place/orders"}, fake.bindings)
	})

	t.Run("validate policy fails for a missing queue", func(t *testing.T) {
		fake := newFakeAMQP()

		_, err := factoryFor(fake).CreateAsyncChannel(connection(t, messaging.WithMakeChannels(messaging.OnMissingChannelValidate)))

		assert.True(t, contracts.IsConfigurationError(err))
		assert.ErrorIs(t, err, amqpconn.ErrQueueNotFound)
		assert.True(t, fake.closed)
	})

	t.Run("assume policy touches nothing", func(t *testing.T) {
		fake := newFakeAMQP()

		_, err := factoryFor(fake).CreateSyncChannel(connection(t, messaging.WithMakeChannels(messaging.OnMissingChannelAssume)))

		require.NoError(t, err)
		assert.Empty(t, fake.queues)
	})

	t.Run("no connection is a channel failure", func(t *testing.T) {
		_, err := factoryFor().CreateSyncChannel(connection(t))

		assert.True(t, contracts.IsChannelFailure(err))
	})
}

func TestChannel(t *testing.T) {
	t.Run("receives deliveries as messages", func(t *testing.T) {
		fake := newFakeAMQP()
		ch, err := factoryFor(fake).CreateSyncChannel(connection(t))
		require.NoError(t, err)
		fake.deliver(7, "command", 2, "payload")

		msg, err := ch.Receive(time.Second)

		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeCommand, msg.Header.MessageType)
		assert.Equal(t, 2, msg.Header.HandledCount)
		assert.Equal(t, "payload-id", msg.Header.ID)
		assert.Equal(t, "payload", msg.Body.Value())
		assert.Equal(t, 1, fake.prefetch)

		require.NoError(t, ch.Acknowledge(msg))
		assert.Equal(t, []uint64{7}, fake.acks)
	})

	t.Run("unknown type is unacceptable", func(t *testing.T) {
		fake := newFakeAMQP()
		ch, err := factoryFor(fake).CreateSyncChannel(connection(t))
		require.NoError(t, err)
		fake.deliver(1, "gibberish", 0, "x")

		msg, err := ch.Receive(time.Second)

		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeUnacceptable, msg.Header.MessageType)
	})

	t.Run("timeout returns an empty message", func(t *testing.T) {
		ch, err := factoryFor(newFakeAMQP()).CreateSyncChannel(connection(t))
		require.NoError(t, err)

		msg, err := ch.Receive(10 * time.Millisecond)

		require.NoError(t, err)
		assert.True(t, msg.IsEmpty())
	})

	t.Run("stop returns quit", func(t *testing.T) {
		ch, err := factoryFor(newFakeAMQP()).CreateSyncChannel(connection(t))
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			ch.Stop()
		}()
		msg, err := ch.Receive(time.Second)

		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeQuit, msg.Header.MessageType)
	})

	t.Run("requeue republishes with handled count and delay", func(t *testing.T) {
		fake := newFakeAMQP()
		ch, err := factoryFor(fake).CreateSyncChannel(connection(t))
		require.NoError(t, err)
		fake.deliver(3, "event", 0, "again")
		msg, err := ch.Receive(time.Second)
		require.NoError(t, err)
		msg.Header.UpdateHandledCount()

		require.NoError(t, ch.Requeue(msg, 250*time.Millisecond))

		require.Len(t, fake.published, 1)
		out := fake.published[0]
		assert.Equal(t, "mmate.commands", out.exchange)
		assert.Equal(t, "orders.place", out.key)
		assert.Equal(t, int64(1), out.msg.Headers[headerHandledCount])
		assert.Equal(t, int64(250), out.msg.Headers[headerDelay])
		assert.Equal(t, "event", out.msg.Headers[headerMessageType])
		assert.Equal(t, []uint64{3}, fake.acks)
	})

	t.Run("failed requeue leaves the delivery unacked", func(t *testing.T) {
		fake := newFakeAMQP()
		fake.publishErr = errors.New("blocked")
		ch, err := factoryFor(fake).CreateSyncChannel(connection(t))
		require.NoError(t, err)
		fake.deliver(4, "command", 0, "x")
		msg, err := ch.Receive(time.Second)
		require.NoError(t, err)

		err = ch.Requeue(msg, 0)

		assert.True(t, contracts.IsChannelFailure(err))
		assert.Empty(t, fake.acks)
	})

	t.Run("reject nacks without requeue", func(t *testing.T) {
		fake := newFakeAMQP()
		ch, err := factoryFor(fake).CreateSyncChannel(connection(t))
		require.NoError(t, err)
		fake.deliver(9, "command", 0, "x")
		msg, err := ch.Receive(time.Second)
		require.NoError(t, err)

		require.NoError(t, ch.Reject(msg))
		assert.Equal(t, []uint64{9}, fake.nacks)
	})

	t.Run("lost consumer is a channel failure and reopens", func(t *testing.T) {
		first, second := newFakeAMQP(), newFakeAMQP()
		ch, err := factoryFor(first, second).CreateSyncChannel(connection(t))
		require.NoError(t, err)
		close(first.deliveries)

		_, err = ch.Receive(time.Second)
		assert.True(t, contracts.IsChannelFailure(err))

		second.deliver(1, "command", 0, "back")
		msg, err := ch.Receive(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "back", msg.Body.Value())
		assert.True(t, first.closed)
	})

	t.Run("purge and close", func(t *testing.T) {
		fake := newFakeAMQP()
		ch, err := factoryFor(fake).CreateSyncChannel(connection(t))
		require.NoError(t, err)

		require.NoError(t, ch.Purge())
		require.NoError(t, ch.Close())
		require.NoError(t, ch.Close())

		assert.Equal(t, 1, fake.purged)
		_, err = ch.Receive(time.Millisecond)
		assert.ErrorIs(t, err, contracts.ErrChannelClosed)
	})
}

func TestHeaders(t *testing.T) {
	msg := contracts.NewMessage("orders", contracts.MessageTypeEvent, contracts.NewMessageBody("hi"))
	msg.Header.CorrelationID = "corr"
	msg.Header.HandledCount = 3

	out := toMessage(amqp.Delivery{
		MessageId:     msg.Header.ID,
		CorrelationId: "corr",
		Headers:       toPublishing(msg).Headers,
		Body:          []byte("hi"),
	})

	assert.Equal(t, msg.Header.ID, out.Header.ID)
	assert.Equal(t, "orders", out.Header.Topic)
	assert.Equal(t, contracts.MessageTypeEvent, out.Header.MessageType)
	assert.Equal(t, 3, out.Header.HandledCount)
	assert.Equal(t, "corr", out.Header.CorrelationID)
}

func TestFactoryPublish(t *testing.T) {
	fake := newFakeAMQP()
	msg := contracts.NewMessage("orders", contracts.MessageTypeCommand, contracts.NewMessageBody("go"))

	require.NoError(t, factoryFor(fake).Publish(context.Background(), "orders.place", msg))

	require.Len(t, fake.published, 1)
	assert.Equal(t, "mmate.commands", fake.published[0].exchange)
	assert.Equal(t, "orders.place", fake.published[0].key)
	assert.Equal(t, msg.Header.ID, fake.published[0].msg.MessageId)
	assert.True(t, fake.closed)

	err := factoryFor().Publish(context.Background(), "orders.place", msg)
	assert.True(t, contracts.IsChannelFailure(err))
}
