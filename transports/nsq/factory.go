package nsq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nsqio/go-nsq"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

const defaultChannel = "mmate"

// slogLogger adapts slog to the go-nsq logger interface
type slogLogger struct {
	logger *slog.Logger
}

func (l slogLogger) Output(_ int, s string) error {
	l.logger.Debug(strings.TrimSpace(s), "component", "nsq")
	return nil
}

// ChannelFactory subscribes NSQ consumers for connections
type ChannelFactory struct {
	nsqd    []string
	lookupd []string
	channel string
	config  *nsq.Config
	logger  *slog.Logger

	mu       sync.Mutex
	producer *nsq.Producer
}

// FactoryOption configures the ChannelFactory
type FactoryOption func(*ChannelFactory)

// WithNSQD sets the nsqd addresses consumers connect to. The first one is
// also used for publishing.
func WithNSQD(addrs ...string) FactoryOption {
	return func(f *ChannelFactory) {
		f.nsqd = append(f.nsqd, addrs...)
	}
}

// WithLookupd makes consumers discover nsqd through nsqlookupd
func WithLookupd(addrs ...string) FactoryOption {
	return func(f *ChannelFactory) {
		f.lookupd = append(f.lookupd, addrs...)
	}
}

// WithChannel sets the NSQ channel consumers join; performers on the same
// channel share its messages
func WithChannel(name string) FactoryOption {
	return func(f *ChannelFactory) {
		if name != "" {
			f.channel = name
		}
	}
}

// WithConfig replaces the go-nsq configuration
func WithConfig(config *nsq.Config) FactoryOption {
	return func(f *ChannelFactory) {
		if config != nil {
			f.config = config
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

// NewChannelFactory creates a factory. MaxInFlight defaults to one message
// per consumer.
func NewChannelFactory(options ...FactoryOption) *ChannelFactory {
	config := nsq.NewConfig()
	config.MaxInFlight = 1
	f := &ChannelFactory{
		channel: defaultChannel,
		config:  config,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *ChannelFactory) create(conn messaging.Connection) (*Channel, error) {
	if len(f.nsqd) == 0 && len(f.lookupd) == 0 {
		return nil, contracts.NewConfigurationError("nsq", "no nsqd or nsqlookupd address")
	}
	// nsqd creates topics and channels when a consumer subscribes
	if conn.MakeChannels == messaging.OnMissingChannelValidate {
		return nil, contracts.NewConfigurationError("nsq", "cannot validate topic %s, use create or assume", conn.ChannelName)
	}

	consumer, err := nsq.NewConsumer(conn.ChannelName, f.channel, f.config)
	if err != nil {
		return nil, &contracts.ConfigurationError{Component: "nsq", Message: "invalid consumer for " + conn.ChannelName, Err: err}
	}
	consumer.SetLogger(slogLogger{f.logger}, nsq.LogLevelWarning)

	ch := newChannel(conn.ChannelName, f.config.MaxInFlight, f.logger)
	ch.consumer = consumer
	consumer.AddHandler(ch)

	if len(f.lookupd) > 0 {
		err = consumer.ConnectToNSQLookupds(f.lookupd)
	} else {
		err = consumer.ConnectToNSQDs(f.nsqd)
	}
	if err != nil {
		consumer.Stop()
		return nil, contracts.NewChannelFailure(conn.ChannelName, "connect", err)
	}
	return ch, nil
}

// CreateSyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateSyncChannel(conn messaging.Connection) (messaging.Channel, error) {
	return f.create(conn)
}

// CreateAsyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateAsyncChannel(conn messaging.Connection) (messaging.AsyncChannel, error) {
	return f.create(conn)
}

// Publish sends msg to topic, deferring it by msg.Header.Delay
func (f *ChannelFactory) Publish(_ context.Context, topic string, msg *contracts.Message) error {
	producer, err := f.producerFor()
	if err != nil {
		return err
	}
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nsq: encode message %s: %w", msg.Header.ID, err)
	}
	if msg.Header.Delay > 0 {
		return producer.DeferredPublish(topic, msg.Header.Delay, body)
	}
	return producer.Publish(topic, body)
}

func (f *ChannelFactory) producerFor() (*nsq.Producer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.producer != nil {
		return f.producer, nil
	}
	if len(f.nsqd) == 0 {
		return nil, contracts.NewConfigurationError("nsq", "publishing needs an nsqd address")
	}
	producer, err := nsq.NewProducer(f.nsqd[0], f.config)
	if err != nil {
		return nil, &contracts.ConfigurationError{Component: "nsq", Message: "invalid producer", Err: err}
	}
	producer.SetLogger(slogLogger{f.logger}, nsq.LogLevelWarning)
	f.producer = producer
	return producer, nil
}

// Close stops the producer
func (f *ChannelFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.producer != nil {
		f.producer.Stop()
		f.producer = nil
	}
}
