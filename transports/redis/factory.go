package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

const (
	defaultPrefix = "mmate:"
	defaultPoll   = 50 * time.Millisecond
	setupTimeout  = 5 * time.Second
)

// ChannelFactory creates channels over a Redis client
type ChannelFactory struct {
	rdb    redis.UniversalClient
	prefix string
	poll   time.Duration
	logger *slog.Logger
}

// FactoryOption configures the ChannelFactory
type FactoryOption func(*ChannelFactory)

// WithKeyPrefix sets the prefix of every key
func WithKeyPrefix(prefix string) FactoryOption {
	return func(f *ChannelFactory) {
		f.prefix = prefix
	}
}

// WithPollInterval sets how often an idle Receive polls the ready list
func WithPollInterval(interval time.Duration) FactoryOption {
	return func(f *ChannelFactory) {
		if interval > 0 {
			f.poll = interval
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *ChannelFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewChannelFactory creates a factory for rdb
func NewChannelFactory(rdb redis.UniversalClient, options ...FactoryOption) *ChannelFactory {
	f := &ChannelFactory{
		rdb:    rdb,
		prefix: defaultPrefix,
		poll:   defaultPoll,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *ChannelFactory) registry() string {
	return f.prefix + "queues"
}

// Declare registers queue so the validate policy accepts it
func (f *ChannelFactory) Declare(ctx context.Context, queue string) error {
	return f.rdb.SAdd(ctx, f.registry(), queue).Err()
}

// Publish appends msg to queue, honouring msg.Header.Delay
func (f *ChannelFactory) Publish(ctx context.Context, queue string, msg *contracts.Message) error {
	encoded, err := encode(msg)
	if err != nil {
		return err
	}
	k := keysFor(f.prefix, queue)
	if msg.Header.Delay > 0 {
		return f.rdb.ZAdd(ctx, k.delayed, redis.Z{
			Score:  float64(time.Now().Add(msg.Header.Delay).UnixMilli()),
			Member: encoded,
		}).Err()
	}
	return f.rdb.RPush(ctx, k.ready, encoded).Err()
}

// Len returns the number of ready messages on queue
func (f *ChannelFactory) Len(ctx context.Context, queue string) (int64, error) {
	return f.rdb.LLen(ctx, keysFor(f.prefix, queue).ready).Result()
}

func (f *ChannelFactory) create(conn messaging.Connection) (*Channel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	switch conn.MakeChannels {
	case messaging.OnMissingChannelCreate:
		if err := f.Declare(ctx, conn.ChannelName); err != nil {
			return nil, contracts.NewChannelFailure(conn.ChannelName, "declare", err)
		}
	case messaging.OnMissingChannelValidate:
		known, err := f.rdb.SIsMember(ctx, f.registry(), conn.ChannelName).Result()
		if err != nil {
			return nil, contracts.NewChannelFailure(conn.ChannelName, "validate", err)
		}
		if !known {
			return nil, contracts.NewConfigurationError("redis", "queue %s does not exist", conn.ChannelName)
		}
	}

	return newChannel(f.rdb, conn.ChannelName, keysFor(f.prefix, conn.ChannelName), f.poll, f.logger), nil
}

// CreateSyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateSyncChannel(conn messaging.Connection) (messaging.Channel, error) {
	return f.create(conn)
}

// CreateAsyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateAsyncChannel(conn messaging.Connection) (messaging.AsyncChannel, error) {
	return f.create(conn)
}
