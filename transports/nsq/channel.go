package nsq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

// Channel buffers the messages an NSQ consumer hands it. It implements
// messaging.Channel, messaging.AsyncChannel and nsq.Handler.
type Channel struct {
	topic    string
	consumer *nsq.Consumer
	logger   *slog.Logger

	buffer   chan *nsq.Message
	mu       sync.Mutex
	inflight map[string]*nsq.Message
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	closed   bool
}

func newChannel(topic string, capacity int, logger *slog.Logger) *Channel {
	return &Channel{
		topic:    topic,
		logger:   logger,
		buffer:   make(chan *nsq.Message, capacity),
		inflight: make(map[string]*nsq.Message),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the topic
func (c *Channel) Name() string { return c.topic }

// HandleMessage implements nsq.Handler. The message is answered later by
// Acknowledge, Reject or Requeue.
func (c *Channel) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	select {
	case <-c.done:
		m.RequeueWithoutBackoff(0)
		return nil
	default:
	}
	select {
	case c.buffer <- m:
	case <-c.done:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

// Stop makes a pending or the next Receive return a quit message
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Receive implements messaging.Channel
func (c *Channel) Receive(timeout time.Duration) (*contracts.Message, error) {
	return c.ReceiveContext(context.Background(), timeout)
}

// ReceiveContext waits up to timeout for a buffered message
func (c *Channel) ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	select {
	case <-c.stop:
		return contracts.NewQuitMessage(), nil
	case <-c.done:
		return nil, contracts.NewChannelFailure(c.topic, "receive", contracts.ErrChannelClosed)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-c.buffer:
		msg := c.toMessage(m)
		c.mu.Lock()
		c.inflight[msg.Header.ID] = m
		c.mu.Unlock()
		return msg, nil
	case <-c.stop:
		return contracts.NewQuitMessage(), nil
	case <-c.done:
		return nil, contracts.NewChannelFailure(c.topic, "receive", contracts.ErrChannelClosed)
	case <-timer.C:
		return contracts.NewEmptyMessage(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// toMessage decodes the msgpack envelope. The handled count comes from the
// attempts nsqd recorded, not from the envelope.
func (c *Channel) toMessage(m *nsq.Message) *contracts.Message {
	var msg contracts.Message
	if err := msgpack.Unmarshal(m.Body, &msg); err != nil {
		c.logger.Warn("undecodable message", "topic", c.topic, "error", err)
		unacceptable := contracts.NewUnacceptableMessage(c.topic, m.Body)
		unacceptable.Header.HandledCount = int(m.Attempts) - 1
		return unacceptable
	}
	if msg.Header.ID == "" {
		msg.Header.ID = string(m.ID[:])
	}
	msg.Header.HandledCount = int(m.Attempts) - 1
	return &msg
}

func (c *Channel) settle(op string, msg *contracts.Message) (*nsq.Message, error) {
	if msg == nil {
		return nil, contracts.NewChannelFailure(c.topic, op, errors.New("nil message"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, contracts.NewChannelFailure(c.topic, op, contracts.ErrChannelClosed)
	}
	m, ok := c.inflight[msg.Header.ID]
	if !ok {
		return nil, contracts.NewChannelFailure(c.topic, op, errors.New("unknown message "+msg.Header.ID))
	}
	delete(c.inflight, msg.Header.ID)
	return m, nil
}

// Acknowledge finishes the message
func (c *Channel) Acknowledge(msg *contracts.Message) error {
	m, err := c.settle("acknowledge", msg)
	if err != nil {
		return err
	}
	m.Finish()
	return nil
}

// AcknowledgeContext implements messaging.AsyncChannel
func (c *Channel) AcknowledgeContext(_ context.Context, msg *contracts.Message) error {
	return c.Acknowledge(msg)
}

// Reject finishes the message; NSQ has no dead letter queue
func (c *Channel) Reject(msg *contracts.Message) error {
	m, err := c.settle("reject", msg)
	if err != nil {
		return err
	}
	m.Finish()
	c.logger.Warn("message rejected", "topic", c.topic, "messageId", msg.Header.ID, "attempts", m.Attempts)
	return nil
}

// RejectContext implements messaging.AsyncChannel
func (c *Channel) RejectContext(_ context.Context, msg *contracts.Message) error {
	return c.Reject(msg)
}

// Requeue asks nsqd to redeliver the message after delay
func (c *Channel) Requeue(msg *contracts.Message, delay time.Duration) error {
	m, err := c.settle("requeue", msg)
	if err != nil {
		return err
	}
	m.RequeueWithoutBackoff(delay)
	return nil
}

// RequeueContext implements messaging.AsyncChannel
func (c *Channel) RequeueContext(_ context.Context, msg *contracts.Message, delay time.Duration) error {
	return c.Requeue(msg, delay)
}

// Purge drops the locally buffered messages. Emptying the topic itself is
// an nsqd admin operation.
func (c *Channel) Purge() error {
	for {
		select {
		case m := <-c.buffer:
			m.Finish()
		default:
			return nil
		}
	}
}

// PurgeContext implements messaging.AsyncChannel
func (c *Channel) PurgeContext(context.Context) error {
	return c.Purge()
}

// Close stops the consumer and requeues every unanswered message. It is
// idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	unsettled := make([]*nsq.Message, 0, len(c.inflight))
	for _, m := range c.inflight {
		unsettled = append(unsettled, m)
	}
	clear(c.inflight)
	c.mu.Unlock()

	for _, m := range unsettled {
		m.RequeueWithoutBackoff(0)
	}
drain:
	for {
		select {
		case m := <-c.buffer:
			m.RequeueWithoutBackoff(0)
		default:
			break drain
		}
	}

	if c.consumer != nil {
		c.consumer.Stop()
		<-c.consumer.StopChan
	}
	return nil
}

var (
	_ messaging.Channel      = (*Channel)(nil)
	_ messaging.AsyncChannel = (*Channel)(nil)
	_ nsq.Handler            = (*Channel)(nil)
)
