package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

const settleTimeout = 10 * time.Second

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Channel reads a topic in a consumer group. It implements
// messaging.Channel and messaging.AsyncChannel.
type Channel struct {
	topic  string
	r      reader
	w      writer
	logger *slog.Logger

	stopCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	inflight map[string]kafka.Message
	pending  map[*time.Timer]kafka.Message
	closed   bool
}

func newChannel(topic string, r reader, w writer, logger *slog.Logger) *Channel {
	stopCtx, stop := context.WithCancel(context.Background())
	return &Channel{
		topic:    topic,
		r:        r,
		w:        w,
		logger:   logger,
		stopCtx:  stopCtx,
		stop:     stop,
		inflight: make(map[string]kafka.Message),
		pending:  make(map[*time.Timer]kafka.Message),
	}
}

// Name returns the topic
func (c *Channel) Name() string { return c.topic }

// Stop makes a pending or the next Receive return a quit message
func (c *Channel) Stop() {
	c.stop()
}

// Receive implements messaging.Channel
func (c *Channel) Receive(timeout time.Duration) (*contracts.Message, error) {
	return c.ReceiveContext(context.Background(), timeout)
}

// ReceiveContext fetches the next record, giving up after timeout
func (c *Channel) ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	if c.isClosed() {
		return nil, contracts.NewChannelFailure(c.topic, "receive", contracts.ErrChannelClosed)
	}
	if c.stopCtx.Err() != nil {
		return contracts.NewQuitMessage(), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	unhook := context.AfterFunc(c.stopCtx, cancel)
	defer unhook()

	record, err := c.r.FetchMessage(fetchCtx)
	if err != nil {
		switch {
		case c.stopCtx.Err() != nil:
			return contracts.NewQuitMessage(), nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return contracts.NewEmptyMessage(), nil
		default:
			return nil, contracts.NewChannelFailure(c.topic, "receive", err)
		}
	}

	msg := fromKafka(record)
	c.mu.Lock()
	c.inflight[msg.Header.ID] = record
	c.mu.Unlock()
	return msg, nil
}

func (c *Channel) settle(op string, msg *contracts.Message) (kafka.Message, error) {
	if msg == nil {
		return kafka.Message{}, contracts.NewChannelFailure(c.topic, op, errors.New("nil message"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kafka.Message{}, contracts.NewChannelFailure(c.topic, op, contracts.ErrChannelClosed)
	}
	record, ok := c.inflight[msg.Header.ID]
	if !ok {
		return kafka.Message{}, contracts.NewChannelFailure(c.topic, op, errors.New("unknown message "+msg.Header.ID))
	}
	delete(c.inflight, msg.Header.ID)
	return record, nil
}

func (c *Channel) commit(ctx context.Context, op string, record kafka.Message) error {
	if err := c.r.CommitMessages(ctx, record); err != nil {
		return contracts.NewChannelFailure(c.topic, op, err)
	}
	return nil
}

// Acknowledge implements messaging.Channel
func (c *Channel) Acknowledge(msg *contracts.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	return c.AcknowledgeContext(ctx, msg)
}

// AcknowledgeContext commits the record offset
func (c *Channel) AcknowledgeContext(ctx context.Context, msg *contracts.Message) error {
	record, err := c.settle("acknowledge", msg)
	if err != nil {
		return err
	}
	return c.commit(ctx, "acknowledge", record)
}

// Reject implements messaging.Channel
func (c *Channel) Reject(msg *contracts.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	return c.RejectContext(ctx, msg)
}

// RejectContext commits the record offset without processing it
func (c *Channel) RejectContext(ctx context.Context, msg *contracts.Message) error {
	record, err := c.settle("reject", msg)
	if err != nil {
		return err
	}
	if err := c.commit(ctx, "reject", record); err != nil {
		return err
	}
	c.logger.Warn("message rejected",
		"topic", c.topic,
		"messageId", msg.Header.ID,
		"partition", record.Partition,
		"offset", record.Offset)
	return nil
}

// Requeue implements messaging.Channel
func (c *Channel) Requeue(msg *contracts.Message, delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	return c.RequeueContext(ctx, msg, delay)
}

// RequeueContext writes a copy of msg back to the topic and commits the
// original. A delayed copy is written when the delay has passed.
func (c *Channel) RequeueContext(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	record, err := c.settle("requeue", msg)
	if err != nil {
		return err
	}
	copied := msg.Clone()
	copied.Header.Delay = delay
	out := toKafka(copied)

	if delay <= 0 {
		if err := c.w.WriteMessages(ctx, out); err != nil {
			return contracts.NewChannelFailure(c.topic, "requeue", err)
		}
		return c.commit(ctx, "requeue", record)
	}

	c.mu.Lock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.pending, timer)
		c.mu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := c.w.WriteMessages(wctx, out); err != nil {
			c.logger.Error("delayed requeue failed", "topic", c.topic, "messageId", copied.Header.ID, "error", err)
		}
	})
	c.pending[timer] = out
	c.mu.Unlock()
	return c.commit(ctx, "requeue", record)
}

// Purge implements messaging.Channel
func (c *Channel) Purge() error {
	return c.PurgeContext(context.Background())
}

// PurgeContext is not supported: Kafka retention owns the topic contents
func (c *Channel) PurgeContext(context.Context) error {
	return contracts.NewChannelFailure(c.topic, "purge", errors.ErrUnsupported)
}

// Close writes delayed requeues immediately and closes the reader and
// writer. Uncommitted records are redelivered to the group. It is
// idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	clear(c.inflight)
	var flush []kafka.Message
	for timer, out := range c.pending {
		if timer.Stop() {
			flush = append(flush, out)
		}
	}
	clear(c.pending)
	c.mu.Unlock()
	c.stop()

	var errs []error
	if len(flush) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := c.w.WriteMessages(ctx, flush...); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.r.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.w.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return contracts.NewChannelFailure(c.topic, "close", err)
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
