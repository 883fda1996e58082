package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

// Channel reads one Bus queue. It implements messaging.Channel and
// messaging.AsyncChannel.
type Channel struct {
	bus    *Bus
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*contracts.Message
	stop     chan struct{}
	stopOnce sync.Once
	closed   bool
}

func newChannel(bus *Bus, name string, logger *slog.Logger) *Channel {
	return &Channel{
		bus:      bus,
		name:     name,
		logger:   logger,
		inflight: make(map[string]*contracts.Message),
		stop:     make(chan struct{}),
	}
}

// Name returns the queue name
func (c *Channel) Name() string { return c.name }

// Stop makes a pending or the next Receive return a quit message
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Receive implements messaging.Channel
func (c *Channel) Receive(timeout time.Duration) (*contracts.Message, error) {
	return c.ReceiveContext(context.Background(), timeout)
}

// ReceiveContext waits up to timeout for a message
func (c *Channel) ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	if c.isClosed() {
		return nil, contracts.NewChannelFailure(c.name, "receive", contracts.ErrChannelClosed)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return contracts.NewQuitMessage(), nil
		default:
		}

		msg, changed := c.bus.dequeue(c.name)
		if msg != nil {
			c.mu.Lock()
			c.inflight[msg.Header.ID] = msg
			c.mu.Unlock()
			return msg, nil
		}

		select {
		case <-changed:
		case <-c.stop:
			return contracts.NewQuitMessage(), nil
		case <-timer.C:
			return contracts.NewEmptyMessage(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Channel) settle(op string, msg *contracts.Message) error {
	if msg == nil {
		return contracts.NewChannelFailure(c.name, op, errors.New("nil message"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return contracts.NewChannelFailure(c.name, op, contracts.ErrChannelClosed)
	}
	delete(c.inflight, msg.Header.ID)
	return nil
}

// Acknowledge removes the message for good
func (c *Channel) Acknowledge(msg *contracts.Message) error {
	return c.settle("acknowledge", msg)
}

// AcknowledgeContext implements messaging.AsyncChannel
func (c *Channel) AcknowledgeContext(_ context.Context, msg *contracts.Message) error {
	return c.Acknowledge(msg)
}

// Reject drops the message; the memory bus has no dead letter queue
func (c *Channel) Reject(msg *contracts.Message) error {
	if err := c.settle("reject", msg); err != nil {
		return err
	}
	c.logger.Warn("message rejected", "queue", c.name, "messageId", msg.Header.ID)
	return nil
}

// RejectContext implements messaging.AsyncChannel
func (c *Channel) RejectContext(_ context.Context, msg *contracts.Message) error {
	return c.Reject(msg)
}

// Requeue puts a copy of msg back on the queue after delay
func (c *Channel) Requeue(msg *contracts.Message, delay time.Duration) error {
	if err := c.settle("requeue", msg); err != nil {
		return err
	}
	copied := msg.Clone()
	copied.Header.Delay = delay
	c.bus.EnqueueAfter(c.name, copied, delay)
	return nil
}

// RequeueContext implements messaging.AsyncChannel
func (c *Channel) RequeueContext(_ context.Context, msg *contracts.Message, delay time.Duration) error {
	return c.Requeue(msg, delay)
}

// Purge drops every message on the queue
func (c *Channel) Purge() error {
	c.bus.Purge(c.name)
	return nil
}

// PurgeContext implements messaging.AsyncChannel
func (c *Channel) PurgeContext(context.Context) error {
	return c.Purge()
}

// Close returns unsettled messages to the queue. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsettled := make([]*contracts.Message, 0, len(c.inflight))
	for _, msg := range c.inflight {
		unsettled = append(unsettled, msg)
	}
	clear(c.inflight)
	c.mu.Unlock()

	if len(unsettled) > 0 {
		c.bus.Enqueue(c.name, unsettled...)
	}
	return nil
}

// Closed reports whether Close was called
func (c *Channel) Closed() bool {
	return c.isClosed()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var (
	_ messaging.Channel      = (*Channel)(nil)
	_ messaging.AsyncChannel = (*Channel)(nil)
)
