package nats

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

const defaultPoll = 100 * time.Millisecond

// ChannelFactory subscribes queue groups on a NATS connection
type ChannelFactory struct {
	nc     *nats.Conn
	group  string
	poll   time.Duration
	logger *slog.Logger
}

// FactoryOption configures the ChannelFactory
type FactoryOption func(*ChannelFactory)

// WithQueueGroup sets the queue group name; the connection name is used
// when it is empty
func WithQueueGroup(group string) FactoryOption {
	return func(f *ChannelFactory) {
		f.group = group
	}
}

// WithPollInterval bounds how long Receive blocks before checking Stop
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

// Connect dials url with reconnect handlers that log through logger
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nats.Connect(url,
		nats.Name("mmate-dispatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	)
}

// NewChannelFactory creates a factory for nc
func NewChannelFactory(nc *nats.Conn, options ...FactoryOption) *ChannelFactory {
	f := &ChannelFactory{nc: nc, poll: defaultPoll, logger: slog.Default()}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *ChannelFactory) create(conn messaging.Connection) (*Channel, error) {
	// subjects exist as soon as someone subscribes
	if conn.MakeChannels == messaging.OnMissingChannelValidate {
		return nil, contracts.NewConfigurationError("nats", "cannot validate subject %s, use create or assume", conn.ChannelName)
	}
	if f.nc == nil {
		return nil, contracts.NewConfigurationError("nats", "no connection")
	}

	group := f.group
	if group == "" {
		group = conn.Name
	}
	sub, err := f.nc.QueueSubscribeSync(conn.ChannelName, group)
	if err != nil {
		return nil, contracts.NewChannelFailure(conn.ChannelName, "subscribe", err)
	}
	return newChannel(conn.ChannelName, sub, f.nc, f.poll, f.logger), nil
}

// CreateSyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateSyncChannel(conn messaging.Connection) (messaging.Channel, error) {
	return f.create(conn)
}

// CreateAsyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateAsyncChannel(conn messaging.Connection) (messaging.AsyncChannel, error) {
	return f.create(conn)
}

// Publish sends msg on subject
func (f *ChannelFactory) Publish(subject string, msg *contracts.Message) error {
	if f.nc == nil {
		return contracts.NewConfigurationError("nats", "no connection")
	}
	return f.nc.PublishMsg(ToNATS(subject, msg))
}
