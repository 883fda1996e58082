package redis

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

const promoteBatch = 100

type keys struct {
	ready      string
	processing string
	delayed    string
	dead       string
}

func keysFor(prefix, queue string) keys {
	base := prefix + queue
	return keys{
		ready:      base,
		processing: base + ":processing",
		delayed:    base + ":delayed",
		dead:       base + ":dead",
	}
}

func encode(msg *contracts.Message) (string, error) {
	b, err := msgpack.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string) (*contracts.Message, error) {
	var msg contracts.Message
	if err := msgpack.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Channel consumes one Redis queue. It implements messaging.Channel and
// messaging.AsyncChannel.
type Channel struct {
	rdb    redis.UniversalClient
	name   string
	keys   keys
	poll   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]string
	stop     chan struct{}
	stopOnce sync.Once
	closed   bool
}

func newChannel(rdb redis.UniversalClient, name string, k keys, poll time.Duration, logger *slog.Logger) *Channel {
	return &Channel{
		rdb:      rdb,
		name:     name,
		keys:     k,
		poll:     poll,
		logger:   logger,
		inflight: make(map[string]string),
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

// ReceiveContext polls the ready list until a message arrives, timeout
// elapses or the channel is stopped
func (c *Channel) ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	if c.isClosed() {
		return nil, contracts.NewChannelFailure(c.name, "receive", contracts.ErrChannelClosed)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-c.stop:
			return contracts.NewQuitMessage(), nil
		default:
		}

		if err := c.promote(ctx); err != nil {
			return nil, contracts.NewChannelFailure(c.name, "receive", err)
		}

		raw, err := c.rdb.LMove(ctx, c.keys.ready, c.keys.processing, "LEFT", "RIGHT").Result()
		switch {
		case err == nil:
			return c.track(raw), nil
		case !errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, contracts.NewChannelFailure(c.name, "receive", err)
		}

		wait := time.NewTimer(c.poll)
		select {
		case <-wait.C:
		case <-c.stop:
			wait.Stop()
			return contracts.NewQuitMessage(), nil
		case <-deadline.C:
			wait.Stop()
			return contracts.NewEmptyMessage(), nil
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		}
	}
}

// track decodes raw and remembers it for settling. A payload that does not
// decode is returned as an unacceptable message.
func (c *Channel) track(raw string) *contracts.Message {
	msg, err := decode(raw)
	if err != nil {
		c.logger.Warn("undecodable message", "queue", c.name, "error", err)
		msg = contracts.NewUnacceptableMessage(c.name, []byte(raw))
	}
	c.mu.Lock()
	c.inflight[msg.Header.ID] = raw
	c.mu.Unlock()
	return msg
}

// promote moves due delayed messages onto the ready list
func (c *Channel) promote(ctx context.Context) error {
	due, err := c.rdb.ZRangeByScore(ctx, c.keys.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		removed, err := c.rdb.ZRem(ctx, c.keys.delayed, raw).Result()
		if err != nil {
			return err
		}
		// another consumer promoted it first
		if removed == 0 {
			continue
		}
		if err := c.rdb.RPush(ctx, c.keys.ready, raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) settle(op string, msg *contracts.Message) (string, error) {
	if msg == nil {
		return "", contracts.NewChannelFailure(c.name, op, errors.New("nil message"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", contracts.NewChannelFailure(c.name, op, contracts.ErrChannelClosed)
	}
	raw, ok := c.inflight[msg.Header.ID]
	if !ok {
		return "", contracts.NewChannelFailure(c.name, op, errors.New("unknown message "+msg.Header.ID))
	}
	delete(c.inflight, msg.Header.ID)
	return raw, nil
}

// Acknowledge implements messaging.Channel
func (c *Channel) Acknowledge(msg *contracts.Message) error {
	return c.AcknowledgeContext(context.Background(), msg)
}

// AcknowledgeContext removes the message from the processing list
func (c *Channel) AcknowledgeContext(ctx context.Context, msg *contracts.Message) error {
	raw, err := c.settle("acknowledge", msg)
	if err != nil {
		return err
	}
	if err := c.rdb.LRem(ctx, c.keys.processing, 1, raw).Err(); err != nil {
		return contracts.NewChannelFailure(c.name, "acknowledge", err)
	}
	return nil
}

// Reject implements messaging.Channel
func (c *Channel) Reject(msg *contracts.Message) error {
	return c.RejectContext(context.Background(), msg)
}

// RejectContext moves the message to the dead list
func (c *Channel) RejectContext(ctx context.Context, msg *contracts.Message) error {
	raw, err := c.settle("reject", msg)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.keys.processing, 1, raw)
		pipe.RPush(ctx, c.keys.dead, raw)
		return nil
	})
	if err != nil {
		return contracts.NewChannelFailure(c.name, "reject", err)
	}
	c.logger.Warn("message rejected", "queue", c.name, "messageId", msg.Header.ID)
	return nil
}

// Requeue implements messaging.Channel
func (c *Channel) Requeue(msg *contracts.Message, delay time.Duration) error {
	return c.RequeueContext(context.Background(), msg, delay)
}

// RequeueContext replaces the processing entry with a copy of msg on the
// delayed set, or the ready list when there is no delay
func (c *Channel) RequeueContext(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	raw, err := c.settle("requeue", msg)
	if err != nil {
		return err
	}

	copied := msg.Clone()
	copied.Header.Delay = delay
	encoded, err := encode(copied)
	if err != nil {
		return contracts.NewChannelFailure(c.name, "requeue", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.keys.processing, 1, raw)
		if delay > 0 {
			pipe.ZAdd(ctx, c.keys.delayed, redis.Z{
				Score:  float64(time.Now().Add(delay).UnixMilli()),
				Member: encoded,
			})
		} else {
			pipe.RPush(ctx, c.keys.ready, encoded)
		}
		return nil
	})
	if err != nil {
		return contracts.NewChannelFailure(c.name, "requeue", err)
	}
	return nil
}

// Purge implements messaging.Channel
func (c *Channel) Purge() error {
	return c.PurgeContext(context.Background())
}

// PurgeContext deletes the ready list and the delayed set
func (c *Channel) PurgeContext(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.keys.ready, c.keys.delayed).Err(); err != nil {
		return contracts.NewChannelFailure(c.name, "purge", err)
	}
	return nil
}

// Close returns unsettled messages to the front of the ready list. It is
// idempotent and leaves the shared client open.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsettled := make([]string, 0, len(c.inflight))
	for _, raw := range c.inflight {
		unsettled = append(unsettled, raw)
	}
	clear(c.inflight)
	c.mu.Unlock()

	if len(unsettled) == 0 {
		return nil
	}
	ctx := context.Background()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range unsettled {
			pipe.LRem(ctx, c.keys.processing, 1, raw)
			pipe.LPush(ctx, c.keys.ready, raw)
		}
		return nil
	})
	if err != nil {
		return contracts.NewChannelFailure(c.name, "close", err)
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
