package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

type subscription interface {
	NextMsg(timeout time.Duration) (*nats.Msg, error)
	Unsubscribe() error
}

type publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Channel reads a queue subscription. It implements messaging.Channel and
// messaging.AsyncChannel.
type Channel struct {
	subject string
	sub     subscription
	pub     publisher
	poll    time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	pending  map[*time.Timer]struct{}
	stop     chan struct{}
	stopOnce sync.Once
	closed   bool
}

func newChannel(subject string, sub subscription, pub publisher, poll time.Duration, logger *slog.Logger) *Channel {
	return &Channel{
		subject:  subject,
		sub:      sub,
		pub:      pub,
		poll:     poll,
		logger:   logger,
		inflight: make(map[string]struct{}),
		pending:  make(map[*time.Timer]struct{}),
		stop:     make(chan struct{}),
	}
}

// Name returns the subject
func (c *Channel) Name() string { return c.subject }

// Stop makes a pending or the next Receive return a quit message
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Receive implements messaging.Channel
func (c *Channel) Receive(timeout time.Duration) (*contracts.Message, error) {
	return c.ReceiveContext(context.Background(), timeout)
}

// ReceiveContext waits up to timeout for the next message, in slices of
// the poll interval so Stop and ctx are noticed
func (c *Channel) ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	if c.isClosed() {
		return nil, contracts.NewChannelFailure(c.subject, "receive", contracts.ErrChannelClosed)
	}

	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-c.stop:
			return contracts.NewQuitMessage(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return contracts.NewEmptyMessage(), nil
		}
		in, err := c.sub.NextMsg(min(remaining, c.poll))
		switch {
		case err == nil:
			msg := FromNATS(in)
			c.mu.Lock()
			c.inflight[msg.Header.ID] = struct{}{}
			c.mu.Unlock()
			return msg, nil
		case errors.Is(err, nats.ErrTimeout):
			continue
		default:
			return nil, contracts.NewChannelFailure(c.subject, "receive", err)
		}
	}
}

func (c *Channel) settle(op string, msg *contracts.Message) error {
	if msg == nil {
		return contracts.NewChannelFailure(c.subject, op, errors.New("nil message"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return contracts.NewChannelFailure(c.subject, op, contracts.ErrChannelClosed)
	}
	if _, ok := c.inflight[msg.Header.ID]; !ok {
		return contracts.NewChannelFailure(c.subject, op, errors.New("unknown message "+msg.Header.ID))
	}
	delete(c.inflight, msg.Header.ID)
	return nil
}

// Acknowledge implements messaging.Channel
func (c *Channel) Acknowledge(msg *contracts.Message) error {
	return c.settle("acknowledge", msg)
}

// AcknowledgeContext implements messaging.AsyncChannel
func (c *Channel) AcknowledgeContext(_ context.Context, msg *contracts.Message) error {
	return c.Acknowledge(msg)
}

// Reject drops the message
func (c *Channel) Reject(msg *contracts.Message) error {
	if err := c.settle("reject", msg); err != nil {
		return err
	}
	c.logger.Warn("message rejected", "subject", c.subject, "messageId", msg.Header.ID)
	return nil
}

// RejectContext implements messaging.AsyncChannel
func (c *Channel) RejectContext(_ context.Context, msg *contracts.Message) error {
	return c.Reject(msg)
}

// Requeue republishes a copy of msg after delay
func (c *Channel) Requeue(msg *contracts.Message, delay time.Duration) error {
	if err := c.settle("requeue", msg); err != nil {
		return err
	}
	copied := msg.Clone()
	copied.Header.Delay = delay
	out := ToNATS(c.subject, copied)

	if delay <= 0 {
		if err := c.pub.PublishMsg(out); err != nil {
			return contracts.NewChannelFailure(c.subject, "requeue", err)
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.pending, timer)
		c.mu.Unlock()
		if err := c.pub.PublishMsg(out); err != nil {
			c.logger.Error("delayed requeue failed", "subject", c.subject, "messageId", copied.Header.ID, "error", err)
		}
	})
	c.pending[timer] = struct{}{}
	return nil
}

// RequeueContext implements messaging.AsyncChannel
func (c *Channel) RequeueContext(_ context.Context, msg *contracts.Message, delay time.Duration) error {
	return c.Requeue(msg, delay)
}

// Purge drops the messages already delivered to this subscription
func (c *Channel) Purge() error {
	for {
		_, err := c.sub.NextMsg(time.Millisecond)
		if errors.Is(err, nats.ErrTimeout) {
			return nil
		}
		if err != nil {
			return contracts.NewChannelFailure(c.subject, "purge", err)
		}
	}
}

// PurgeContext implements messaging.AsyncChannel
func (c *Channel) PurgeContext(context.Context) error {
	return c.Purge()
}

// Close unsubscribes and publishes delayed requeues immediately so they are
// not lost. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	clear(c.inflight)
	var flush []*time.Timer
	for timer := range c.pending {
		if timer.Stop() {
			flush = append(flush, timer)
		}
	}
	c.mu.Unlock()

	for _, timer := range flush {
		// a stopped timer never runs, so fire it now
		timer.Reset(0)
	}

	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return contracts.NewChannelFailure(c.subject, "close", err)
	}
	return nil
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
