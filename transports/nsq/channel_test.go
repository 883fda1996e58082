package nsq

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

// delegate records the responses sent for a message
type delegate struct {
	mu       sync.Mutex
	finished int
	requeued []time.Duration
}

func (d *delegate) OnFinish(*nsq.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished++
}

func (d *delegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requeued = append(d.requeued, delay)
}

func (d *delegate) OnTouch(*nsq.Message) {}

func nsqMessage(t *testing.T, d *delegate, attempts uint16, msg *contracts.Message) *nsq.Message {
	t.Helper()
	body, err := msgpack.Marshal(msg)
	require.NoError(t, err)
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	m.Attempts = attempts
	m.Delegate = d
	return m
}

func TestChannel(t *testing.T) {
	command := func(body string) *contracts.Message {
		return contracts.NewMessage("orders", contracts.MessageTypeCommand, contracts.NewMessageBody(body))
	}

	t.Run("handled count follows attempts", func(t *testing.T) {
		d := &delegate{}
		ch := newChannel("orders", 1, slog.Default())
		go func() { _ = ch.HandleMessage(nsqMessage(t, d, 3, command("payload"))) }()

		msg, err := ch.Receive(time.Second)

		require.NoError(t, err)
		assert.Equal(t, "payload", msg.Body.Value())
		assert.Equal(t, 2, msg.Header.HandledCount)
		require.NoError(t, ch.Acknowledge(msg))
		assert.Equal(t, 1, d.finished)
	})

	t.Run("requeue without backoff", func(t *testing.T) {
		d := &delegate{}
		ch := newChannel("orders", 1, slog.Default())
		require.NoError(t, ch.HandleMessage(nsqMessage(t, d, 1, command("x"))))

		msg, err := ch.Receive(time.Second)
		require.NoError(t, err)
		require.NoError(t, ch.Requeue(msg, time.Second))

		assert.Equal(t, []time.Duration{time.Second}, d.requeued)
		assert.ErrorIs(t, ch.Acknowledge(msg), contracts.ErrChannelFailure)
	})

	t.Run("reject finishes", func(t *testing.T) {
		d := &delegate{}
		ch := newChannel("orders", 1, slog.Default())
		require.NoError(t, ch.HandleMessage(nsqMessage(t, d, 1, command("x"))))

		msg, err := ch.Receive(time.Second)
		require.NoError(t, err)
		require.NoError(t, ch.Reject(msg))

		assert.Equal(t, 1, d.finished)
	})

	t.Run("undecodable body is unacceptable", func(t *testing.T) {
		d := &delegate{}
		ch := newChannel("orders", 1, slog.Default())
		m := nsq.NewMessage(nsq.MessageID{}, []byte{0xc1})
		m.Attempts = 1
		m.Delegate = d
		require.NoError(t, ch.HandleMessage(m))

		msg, err := ch.Receive(time.Second)

		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeUnacceptable, msg.Header.MessageType)
	})

	t.Run("timeout and stop", func(t *testing.T) {
		ch := newChannel("orders", 1, slog.Default())

		empty, err := ch.Receive(10 * time.Millisecond)
		require.NoError(t, err)
		assert.True(t, empty.IsEmpty())

		ch.Stop()
		quit, err := ch.Receive(time.Second)
		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeQuit, quit.Header.MessageType)
	})

	t.Run("close requeues unanswered messages", func(t *testing.T) {
		d := &delegate{}
		ch := newChannel("orders", 2, slog.Default())
		require.NoError(t, ch.HandleMessage(nsqMessage(t, d, 1, command("received"))))
		_, err := ch.Receive(time.Second)
		require.NoError(t, err)
		require.NoError(t, ch.HandleMessage(nsqMessage(t, d, 1, command("buffered"))))

		require.NoError(t, ch.Close())
		require.NoError(t, ch.Close())

		assert.Len(t, d.requeued, 2)
		_, err = ch.Receive(time.Millisecond)
		assert.ErrorIs(t, err, contracts.ErrChannelClosed)
	})

	t.Run("handler releases once closed", func(t *testing.T) {
		d := &delegate{}
		ch := newChannel("orders", 1, slog.Default())
		require.NoError(t, ch.Close())

		require.NoError(t, ch.HandleMessage(nsqMessage(t, d, 1, command("late"))))

		assert.Len(t, d.requeued, 1)
	})
}

func TestChannelFactory(t *testing.T) {
	conn, err := messaging.NewConnection("orders", messaging.WithRequestType("PlaceOrder"))
	require.NoError(t, err)

	t.Run("needs an address", func(t *testing.T) {
		_, err := NewChannelFactory().CreateSyncChannel(conn)
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("validate policy is refused", func(t *testing.T) {
		validate, err := messaging.NewConnection("orders",
			messaging.WithRequestType("PlaceOrder"),
			messaging.WithMakeChannels(messaging.OnMissingChannelValidate))
		require.NoError(t, err)

		_, err = NewChannelFactory(WithNSQD("127.0.0.1:4150")).CreateAsyncChannel(validate)
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("publishing needs nsqd", func(t *testing.T) {
		factory := NewChannelFactory(WithLookupd("127.0.0.1:4161"))
		msg := contracts.NewMessage("orders", contracts.MessageTypeCommand, contracts.NewMessageBody("x"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err := factory.Publish(ctx, "orders", msg)
		assert.True(t, contracts.IsConfigurationError(err))
	})
}
