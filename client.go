// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-dispatch/config"
	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/health"
	amqpconn "github.com/glimte/mmate-dispatch/internal/rabbitmq"
	"github.com/glimte/mmate-dispatch/internal/reliability"
	"github.com/glimte/mmate-dispatch/messaging"
	kafkatransport "github.com/glimte/mmate-dispatch/transports/kafka"
	"github.com/glimte/mmate-dispatch/transports/memory"
	natstransport "github.com/glimte/mmate-dispatch/transports/nats"
	nsqtransport "github.com/glimte/mmate-dispatch/transports/nsq"
	rabbittransport "github.com/glimte/mmate-dispatch/transports/rabbitmq"
	redistransport "github.com/glimte/mmate-dispatch/transports/redis"
)

const (
	warnGoroutines     = 1000
	criticalGoroutines = 10000

	dialAttempts = 5
)

// Client ties a configured transport to a dispatcher and its health checks
type Client struct {
	cfg        *config.Config
	logger     *slog.Logger
	transport  *transport
	dispatcher *messaging.Dispatcher
	health     *health.Registry
	metrics    messaging.MetricsCollector

	closeOnce sync.Once
	closeErr  error
}

// transport is what the client needs from the broker it talks to
type transport struct {
	factory  messaging.ChannelFactory
	publish  func(ctx context.Context, channel string, msg *contracts.Message) error
	checkers []health.Checker
	close    func() error
	manager  *amqpconn.ConnectionManager
}

// NewClient connects to the transport named by cfg and builds a
// dispatcher for cfg's connections. Request types must already be
// registered with mappers and handled by proc.
func NewClient(ctx context.Context, cfg *config.Config, mappers messaging.MapperRegistry, proc messaging.CommandProcessor, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, contracts.NewConfigurationError("client", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{metrics: messaging.NewSimpleMetricsCollector()}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = cfg.Logger()
	}

	conns, err := cfg.BuildConnections()
	if err != nil {
		return nil, err
	}
	conns = append(conns, cc.connections...)

	t := cc.transport
	if t == nil {
		t, err = openTransport(ctx, cfg, cc)
		if err != nil {
			return nil, err
		}
	}

	dispatcher, err := messaging.NewDispatcher(t.factory, mappers, proc, conns,
		messaging.WithDispatcherLogger(cc.logger),
		messaging.WithDispatcherMetrics(cc.metrics),
	)
	if err != nil {
		return nil, errors.Join(err, t.close())
	}

	registry := health.NewRegistry()
	registry.SetMetadata("transport", cfg.Transport)
	registry.Register(health.NewDispatcherChecker(dispatcher))
	registry.Register(health.NewMemoryChecker(warnGoroutines, criticalGoroutines))
	for _, checker := range t.checkers {
		registry.Register(checker)
	}
	if t.manager != nil && cfg.QueueDepthThreshold > 0 {
		for _, conn := range conns {
			registry.Register(health.NewQueueDepthChecker(t.manager, conn.ChannelName, cfg.QueueDepthThreshold))
		}
	}

	cc.logger.Info("client ready",
		"transport", cfg.Transport,
		"connections", len(conns))

	return &Client{
		cfg:        cfg,
		logger:     cc.logger,
		transport:  t,
		dispatcher: dispatcher,
		health:     registry,
		metrics:    cc.metrics,
	}, nil
}

func openTransport(ctx context.Context, cfg *config.Config, cc *clientConfig) (*transport, error) {
	logger := cc.logger

	switch cfg.Transport {
	case config.TransportMemory:
		bus := cc.bus
		if bus == nil {
			bus = memory.NewBus()
		}
		return &transport{
			factory: memory.NewChannelFactory(bus, memory.WithLogger(logger)),
			publish: func(_ context.Context, channel string, msg *contracts.Message) error {
				bus.EnqueueAfter(channel, msg, msg.Header.Delay)
				return nil
			},
			close: func() error { return nil },
		}, nil

	case config.TransportRabbitMQ:
		manager := amqpconn.NewConnectionManager(cfg.RabbitMQURL, amqpconn.WithLogger(logger))
		if err := manager.Connect(ctx); err != nil {
			return nil, err
		}
		opts := []rabbittransport.FactoryOption{
			rabbittransport.WithExchange(cfg.Exchange, cfg.ExchangeType),
			rabbittransport.WithLogger(logger),
		}
		if cfg.DeadLetterExchange != "" {
			opts = append(opts, rabbittransport.WithQueueArguments(amqp.Table{
				"x-dead-letter-exchange": cfg.DeadLetterExchange,
			}))
		}
		factory := rabbittransport.NewChannelFactory(manager, opts...)
		return &transport{
			factory:  factory,
			publish:  factory.Publish,
			checkers: []health.Checker{health.NewRabbitMQChecker(manager)},
			close:    manager.Close,
			manager:  manager,
		}, nil

	case config.TransportRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		factory := redistransport.NewChannelFactory(rdb,
			redistransport.WithKeyPrefix(cfg.RedisPrefix),
			redistransport.WithLogger(logger))
		return &transport{
			factory:  factory,
			publish:  factory.Publish,
			checkers: []health.Checker{health.NewRedisChecker(rdb)},
			close:    rdb.Close,
		}, nil

	case config.TransportNSQ:
		factory := nsqtransport.NewChannelFactory(
			nsqtransport.WithNSQD(cfg.NSQD...),
			nsqtransport.WithLookupd(cfg.NSQLookupd...),
			nsqtransport.WithChannel(cfg.NSQChannel),
			nsqtransport.WithLogger(logger))
		return &transport{
			factory: factory,
			publish: factory.Publish,
			close: func() error {
				factory.Close()
				return nil
			},
		}, nil

	case config.TransportNATS:
		var nc *nats.Conn
		policy := reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2)
		err := reliability.Retry(ctx, policy, dialAttempts, func() error {
			var err error
			nc, err = natstransport.Connect(cfg.NATSURL, logger)
			if err != nil {
				logger.Warn("nats dial failed", "error", err)
			}
			return err
		})
		if err != nil {
			return nil, contracts.NewChannelFailure(cfg.NATSURL, "connect", err)
		}
		factory := natstransport.NewChannelFactory(nc, natstransport.WithLogger(logger))
		connected := health.NewCheckerFunc("nats", func(context.Context) health.CheckResult {
			result := health.CheckResult{Name: "nats", Status: health.StatusHealthy}
			if !nc.IsConnected() {
				result.Status = health.StatusUnhealthy
				result.Message = "not connected: " + nc.Status().String()
			}
			return result
		})
		return &transport{
			factory: factory,
			publish: func(_ context.Context, channel string, msg *contracts.Message) error {
				return factory.Publish(channel, msg)
			},
			checkers: []health.Checker{connected},
			close:    nc.Drain,
		}, nil

	case config.TransportKafka:
		opts := []kafkatransport.FactoryOption{kafkatransport.WithLogger(logger)}
		if cfg.KafkaGroupID != "" {
			opts = append(opts, kafkatransport.WithGroupID(cfg.KafkaGroupID))
		}
		factory := kafkatransport.NewChannelFactory(cfg.KafkaBrokers, opts...)
		return &transport{
			factory: factory,
			publish: factory.Publish,
			close:   func() error { return nil },
		}, nil
	}

	return nil, contracts.NewConfigurationError("client", "unknown transport %q", cfg.Transport)
}

// Dispatcher returns the dispatcher running the configured connections
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Health returns the registry of the client's health checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Metrics returns the collector the dispatcher reports to
func (c *Client) Metrics() messaging.MetricsCollector {
	return c.metrics
}

// Config returns the configuration the client was built from
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Receive starts consuming every configured connection
func (c *Client) Receive(ctx context.Context) error {
	return c.dispatcher.Receive(ctx)
}

// Publish puts msg on channel through the client's transport
func (c *Client) Publish(ctx context.Context, channel string, msg *contracts.Message) error {
	if msg == nil {
		return contracts.NewConfigurationError("client", "message cannot be nil")
	}
	if msg.Header.Topic == "" {
		msg.Header.Topic = channel
	}
	return c.transport.publish(ctx, channel, msg)
}

// Close ends the dispatcher, then releases the transport. If ctx expires
// before the consumers stop the transport stays open and Close may be
// called again.
func (c *Client) Close(ctx context.Context) error {
	if err := c.dispatcher.End(ctx); err != nil {
		return err
	}
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.close()
		if c.closeErr != nil {
			c.logger.Error("closing transport failed", "transport", c.cfg.Transport, "error", c.closeErr)
		}
	})
	return c.closeErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
	bus         *memory.Bus
	connections []messaging.Connection
	transport   *transport
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components. The default is built from
// the config's log level and format.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the collector the dispatcher reports to
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithBus shares bus with the memory transport
func WithBus(bus *memory.Bus) ClientOption {
	return func(cfg *clientConfig) {
		cfg.bus = bus
	}
}

// WithConnections adds connections built in code to those from the config
func WithConnections(conns ...messaging.Connection) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connections = append(cfg.connections, conns...)
	}
}

// WithChannelFactory bypasses the configured transport. publish may be nil
// when the client is never asked to publish.
func WithChannelFactory(factory messaging.ChannelFactory, publish func(ctx context.Context, channel string, msg *contracts.Message) error) ClientOption {
	return func(cfg *clientConfig) {
		if publish == nil {
			publish = func(_ context.Context, channel string, _ *contracts.Message) error {
				return contracts.NewChannelFailure(channel, "publish", errors.ErrUnsupported)
			}
		}
		cfg.transport = &transport{
			factory: factory,
			publish: publish,
			close:   func() error { return nil },
		}
	}
}
