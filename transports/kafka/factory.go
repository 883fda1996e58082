package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

const adminTimeout = 10 * time.Second

// admin manages topics for the create and validate policies
type admin interface {
	CreateTopic(ctx context.Context, topic string) error
	TopicExists(ctx context.Context, topic string) (bool, error)
}

// brokerAdmin talks to the cluster controller through kafka.Conn
type brokerAdmin struct {
	brokers           []string
	partitions        int
	replicationFactor int
}

func (a brokerAdmin) dial(ctx context.Context) (*kafka.Conn, error) {
	var errs []error
	for _, broker := range a.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (a brokerAdmin) CreateTopic(ctx context.Context, topic string) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     a.partitions,
		ReplicationFactor: a.replicationFactor,
	})
	if errors.Is(err, kafka.TopicAlreadyExists) {
		return nil
	}
	return err
}

func (a brokerAdmin) TopicExists(ctx context.Context, topic string) (bool, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_, err = conn.ReadPartitions(topic)
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return false, nil
	}
	return err == nil, err
}

// ChannelFactory creates consumer group readers on a Kafka cluster
type ChannelFactory struct {
	brokers []string
	groupID string
	admin   admin
	logger  *slog.Logger

	newReader func(topic, group string) reader
	newWriter func(topic string) writer
}

// FactoryOption configures the ChannelFactory
type FactoryOption func(*ChannelFactory)

// WithGroupID sets the consumer group; the connection name is used when it
// is empty
func WithGroupID(group string) FactoryOption {
	return func(f *ChannelFactory) {
		f.groupID = group
	}
}

// WithTopicLayout sets the partitions and replication factor of created topics
func WithTopicLayout(partitions, replicationFactor int) FactoryOption {
	return func(f *ChannelFactory) {
		if a, ok := f.admin.(brokerAdmin); ok && partitions > 0 && replicationFactor > 0 {
			a.partitions = partitions
			a.replicationFactor = replicationFactor
			f.admin = a
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

// NewChannelFactory creates a factory for brokers
func NewChannelFactory(brokers []string, options ...FactoryOption) *ChannelFactory {
	f := &ChannelFactory{
		brokers: brokers,
		admin:   brokerAdmin{brokers: brokers, partitions: 1, replicationFactor: 1},
		logger:  slog.Default(),
	}
	f.newReader = f.kafkaReader
	f.newWriter = f.kafkaWriter
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *ChannelFactory) kafkaReader(topic, group string) reader {
	logger := f.logger.With("topic", topic, "group", group)
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  f.brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
}

func (f *ChannelFactory) kafkaWriter(topic string) writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(f.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (f *ChannelFactory) create(conn messaging.Connection) (*Channel, error) {
	if len(f.brokers) == 0 {
		return nil, contracts.NewConfigurationError("kafka", "no brokers")
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	switch conn.MakeChannels {
	case messaging.OnMissingChannelCreate:
		if err := f.admin.CreateTopic(ctx, conn.ChannelName); err != nil {
			return nil, contracts.NewChannelFailure(conn.ChannelName, "create topic", err)
		}
	case messaging.OnMissingChannelValidate:
		exists, err := f.admin.TopicExists(ctx, conn.ChannelName)
		if err != nil {
			return nil, contracts.NewChannelFailure(conn.ChannelName, "validate topic", err)
		}
		if !exists {
			return nil, contracts.NewConfigurationError("kafka", "topic %s does not exist", conn.ChannelName)
		}
	}

	group := f.groupID
	if group == "" {
		group = conn.Name
	}
	return newChannel(conn.ChannelName, f.newReader(conn.ChannelName, group), f.newWriter(conn.ChannelName), f.logger), nil
}

// CreateSyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateSyncChannel(conn messaging.Connection) (messaging.Channel, error) {
	return f.create(conn)
}

// CreateAsyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateAsyncChannel(conn messaging.Connection) (messaging.AsyncChannel, error) {
	return f.create(conn)
}

// Publish writes msg to topic
func (f *ChannelFactory) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	w := f.newWriter(topic)
	defer w.Close()
	return w.WriteMessages(ctx, toKafka(msg))
}
