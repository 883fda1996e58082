package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-dispatch/contracts"
	amqpconn "github.com/glimte/mmate-dispatch/internal/rabbitmq"
	"github.com/glimte/mmate-dispatch/messaging"
)

const publishTimeout = 5 * time.Second

// amqpChannel is the part of *amqp.Channel a channel and its factory use
type amqpChannel interface {
	amqpconn.Topology
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueuePurge(name string, noWait bool) (int, error)
	Close() error
}

type opener func() (amqpChannel, error)

// Channel consumes one queue. It implements messaging.Channel and
// messaging.AsyncChannel.
type Channel struct {
	queue      string
	exchange   string
	routingKey string
	prefetch   int
	open       opener
	logger     *slog.Logger

	mu         sync.Mutex
	ch         amqpChannel
	deliveries <-chan amqp.Delivery
	inflight   map[string]uint64
	stop       chan struct{}
	stopOnce   sync.Once
	closed     bool
}

func newChannel(ch amqpChannel, open opener, conn messaging.Connection, exchange string, prefetch int, logger *slog.Logger) *Channel {
	return &Channel{
		queue:      conn.ChannelName,
		exchange:   exchange,
		routingKey: conn.RoutingKey,
		prefetch:   prefetch,
		open:       open,
		logger:     logger,
		ch:         ch,
		inflight:   make(map[string]uint64),
		stop:       make(chan struct{}),
	}
}

// Name returns the queue name
func (c *Channel) Name() string { return c.queue }

// Stop makes a pending or the next Receive return a quit message
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// consume starts the consumer, reopening the AMQP channel after a failure
func (c *Channel) consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, contracts.ErrChannelClosed
	}
	if c.deliveries != nil {
		return c.deliveries, nil
	}

	if c.ch == nil {
		ch, err := c.open()
		if err != nil {
			return nil, err
		}
		c.ch = ch
		clear(c.inflight)
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		c.dropLocked()
		return nil, err
	}
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		c.dropLocked()
		return nil, err
	}
	c.deliveries = deliveries
	return deliveries, nil
}

// dropLocked forgets a broken AMQP channel so the next receive reopens it
func (c *Channel) dropLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	c.ch = nil
	c.deliveries = nil
}

// Receive implements messaging.Channel
func (c *Channel) Receive(timeout time.Duration) (*contracts.Message, error) {
	return c.ReceiveContext(context.Background(), timeout)
}

// ReceiveContext waits up to timeout for a delivery
func (c *Channel) ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	select {
	case <-c.stop:
		return contracts.NewQuitMessage(), nil
	default:
	}

	deliveries, err := c.consume()
	if err != nil {
		return nil, contracts.NewChannelFailure(c.queue, "receive", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-deliveries:
		if !ok {
			c.mu.Lock()
			c.dropLocked()
			c.mu.Unlock()
			return nil, contracts.NewChannelFailure(c.queue, "receive", amqpconn.ErrConnectionClosed)
		}
		msg := toMessage(d)
		c.mu.Lock()
		c.inflight[msg.Header.ID] = d.DeliveryTag
		c.mu.Unlock()
		return msg, nil
	case <-c.stop:
		return contracts.NewQuitMessage(), nil
	case <-timer.C:
		return contracts.NewEmptyMessage(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle removes msg from the inflight set and returns its delivery tag
func (c *Channel) settle(op string, msg *contracts.Message) (amqpChannel, uint64, error) {
	if msg == nil {
		return nil, 0, contracts.NewChannelFailure(c.queue, op, errors.New("nil message"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ch == nil {
		return nil, 0, contracts.NewChannelFailure(c.queue, op, contracts.ErrChannelClosed)
	}
	tag, ok := c.inflight[msg.Header.ID]
	if !ok {
		return nil, 0, contracts.NewChannelFailure(c.queue, op, errors.New("unknown delivery "+msg.Header.ID))
	}
	delete(c.inflight, msg.Header.ID)
	return c.ch, tag, nil
}

// Acknowledge implements messaging.Channel
func (c *Channel) Acknowledge(msg *contracts.Message) error {
	ch, tag, err := c.settle("acknowledge", msg)
	if err != nil {
		return err
	}
	if err := ch.Ack(tag, false); err != nil {
		return contracts.NewChannelFailure(c.queue, "acknowledge", err)
	}
	return nil
}

// AcknowledgeContext implements messaging.AsyncChannel
func (c *Channel) AcknowledgeContext(_ context.Context, msg *contracts.Message) error {
	return c.Acknowledge(msg)
}

// Reject nacks without requeue so the broker dead-letters the message when
// the queue has a dead letter exchange
func (c *Channel) Reject(msg *contracts.Message) error {
	ch, tag, err := c.settle("reject", msg)
	if err != nil {
		return err
	}
	if err := ch.Nack(tag, false, false); err != nil {
		return contracts.NewChannelFailure(c.queue, "reject", err)
	}
	c.logger.Warn("message rejected", "queue", c.queue, "messageId", msg.Header.ID)
	return nil
}

// RejectContext implements messaging.AsyncChannel
func (c *Channel) RejectContext(_ context.Context, msg *contracts.Message) error {
	return c.Reject(msg)
}

// Requeue implements messaging.Channel
func (c *Channel) Requeue(msg *contracts.Message, delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return c.RequeueContext(ctx, msg, delay)
}

// RequeueContext republishes a copy of msg carrying its handled count, then
// acknowledges the original delivery
func (c *Channel) RequeueContext(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	ch, tag, err := c.settle("requeue", msg)
	if err != nil {
		return err
	}

	copied := msg.Clone()
	copied.Header.Delay = delay
	if err := ch.PublishWithContext(ctx, c.exchange, c.publishKey(), false, false, toPublishing(copied)); err != nil {
		// the original stays unacked; the broker redelivers it when the channel closes
		return contracts.NewChannelFailure(c.queue, "requeue", err)
	}
	if err := ch.Ack(tag, false); err != nil {
		return contracts.NewChannelFailure(c.queue, "requeue", err)
	}
	return nil
}

// publishKey routes a republished message back to this queue; the default
// exchange routes by queue name
func (c *Channel) publishKey() string {
	if c.exchange == "" || c.routingKey == "" {
		return c.queue
	}
	return c.routingKey
}

// Purge implements messaging.Channel
func (c *Channel) Purge() error {
	return c.PurgeContext(context.Background())
}

// PurgeContext drops every ready message on the queue
func (c *Channel) PurgeContext(context.Context) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return contracts.NewChannelFailure(c.queue, "purge", contracts.ErrChannelClosed)
	}
	purged, err := ch.QueuePurge(c.queue, false)
	if err != nil {
		return contracts.NewChannelFailure(c.queue, "purge", err)
	}
	c.logger.Info("queue purged", "queue", c.queue, "messages", purged)
	return nil
}

// Close closes the AMQP channel. Unacknowledged deliveries return to the
// queue. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	clear(c.inflight)
	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	c.deliveries = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return contracts.NewChannelFailure(c.queue, "close", err)
	}
	return nil
}

var (
	_ messaging.Channel      = (*Channel)(nil)
	_ messaging.AsyncChannel = (*Channel)(nil)
)
