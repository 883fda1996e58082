package rabbitmq

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-dispatch/contracts"
	amqpconn "github.com/glimte/mmate-dispatch/internal/rabbitmq"
	"github.com/glimte/mmate-dispatch/messaging"
)

// ChannelFactory opens channels on a managed RabbitMQ connection
type ChannelFactory struct {
	open         opener
	exchange     string
	exchangeType string
	prefetch     int
	queueArgs    amqp.Table
	logger       *slog.Logger
}

// FactoryOption configures the ChannelFactory
type FactoryOption func(*ChannelFactory)

// WithExchange sets the exchange queues are bound to and requeues are
// published on. The default exchange is used when name is empty.
func WithExchange(name, kind string) FactoryOption {
	return func(f *ChannelFactory) {
		f.exchange = name
		f.exchangeType = kind
	}
}

// WithPrefetch sets the consumer prefetch count
func WithPrefetch(count int) FactoryOption {
	return func(f *ChannelFactory) {
		if count > 0 {
			f.prefetch = count
		}
	}
}

// WithQueueArguments sets the arguments used when declaring queues,
// e.g. x-dead-letter-exchange
func WithQueueArguments(args amqp.Table) FactoryOption {
	return func(f *ChannelFactory) {
		f.queueArgs = args
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

// NewChannelFactory creates a factory using manager's connection
func NewChannelFactory(manager *amqpconn.ConnectionManager, options ...FactoryOption) *ChannelFactory {
	open := func() (amqpChannel, error) {
		ch, err := manager.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return newChannelFactory(open, options...)
}

func newChannelFactory(open opener, options ...FactoryOption) *ChannelFactory {
	f := &ChannelFactory{
		open:     open,
		prefetch: 1,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *ChannelFactory) create(conn messaging.Connection) (*Channel, error) {
	ch, err := f.open()
	if err != nil {
		return nil, contracts.NewChannelFailure(conn.ChannelName, "open", err)
	}

	switch conn.MakeChannels {
	case messaging.OnMissingChannelCreate:
		err = amqpconn.DeclareQueue(ch, amqpconn.QueueDeclaration{
			Name:         conn.ChannelName,
			Exchange:     f.exchange,
			ExchangeType: f.exchangeType,
			RoutingKey:   conn.RoutingKey,
			Arguments:    f.queueArgs,
		})
	case messaging.OnMissingChannelValidate:
		_, err = amqpconn.InspectQueue(ch, conn.ChannelName)
	}
	if err != nil {
		_ = ch.Close()
		return nil, &contracts.ConfigurationError{
			Component: "rabbitmq",
			Message:   "cannot prepare queue " + conn.ChannelName,
			Err:       err,
		}
	}

	f.logger.Debug("channel created",
		"connection", conn.Name,
		"queue", conn.ChannelName,
		"exchange", f.exchange,
		"policy", conn.MakeChannels.String())

	return newChannel(ch, f.open, conn, f.exchange, f.prefetch, f.logger), nil
}

// CreateSyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateSyncChannel(conn messaging.Connection) (messaging.Channel, error) {
	return f.create(conn)
}

// CreateAsyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateAsyncChannel(conn messaging.Connection) (messaging.AsyncChannel, error) {
	return f.create(conn)
}

// Publish sends msg to the factory's exchange with routingKey. On the
// default exchange routingKey is the queue name.
func (f *ChannelFactory) Publish(ctx context.Context, routingKey string, msg *contracts.Message) error {
	ch, err := f.open()
	if err != nil {
		return contracts.NewChannelFailure(routingKey, "publish", err)
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, f.exchange, routingKey, false, false, toPublishing(msg)); err != nil {
		return contracts.NewChannelFailure(routingKey, "publish", err)
	}
	return nil
}
