package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-dispatch/contracts"
)

// DispatcherState is the lifecycle of a dispatcher
type DispatcherState int32

const (
	DispatcherAwaiting DispatcherState = iota
	DispatcherRunning
	DispatcherStopping
	DispatcherStopped
)

func (s DispatcherState) String() string {
	switch s {
	case DispatcherAwaiting:
		return "awaiting"
	case DispatcherRunning:
		return "running"
	case DispatcherStopping:
		return "stopping"
	case DispatcherStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics collector handed to every pump
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// Dispatcher owns the consumers of a set of connections: it creates a
// channel and pump per performer, runs them and stops them on request.
type Dispatcher struct {
	mu          sync.RWMutex
	factory     ChannelFactory
	mappers     MapperRegistry
	processor   CommandProcessor
	connections map[string]Connection
	order       []string
	consumers   map[string]*Consumer
	state       DispatcherState
	ended       chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	watchers   sync.WaitGroup

	logger  *slog.Logger
	metrics MetricsCollector
}

// NewDispatcher creates a dispatcher for connections. Nothing runs until
// Receive or Open is called.
func NewDispatcher(factory ChannelFactory, mappers MapperRegistry, processor CommandProcessor, connections []Connection, options ...DispatcherOption) (*Dispatcher, error) {
	if mappers == nil {
		return nil, contracts.NewConfigurationError("dispatcher", "mapper registry cannot be nil")
	}
	if processor == nil {
		return nil, contracts.NewConfigurationError("dispatcher", "command processor cannot be nil")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		factory:     factory,
		mappers:     mappers,
		processor:   processor,
		connections: make(map[string]Connection),
		consumers:   make(map[string]*Consumer),
		state:       DispatcherAwaiting,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(d)
	}

	for _, conn := range connections {
		if _, exists := d.connections[conn.Name]; exists {
			cancel()
			return nil, contracts.NewConfigurationError("dispatcher", "duplicate connection name %q", conn.Name)
		}
		if err := d.checkConnection(conn); err != nil {
			cancel()
			return nil, err
		}
		d.connections[conn.Name] = conn
		d.order = append(d.order, conn.Name)
	}

	return d, nil
}

func (d *Dispatcher) checkConnection(conn Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	if _, err := d.mappers.Translator(conn.RequestType); err != nil {
		return &contracts.ConfigurationError{
			Component: "dispatcher",
			Message:   fmt.Sprintf("no translator for request type %q of connection %q", conn.RequestType, conn.Name),
			Err:       err,
		}
	}
	if conn.ChannelFactory == nil && d.factory == nil {
		return contracts.NewConfigurationError("dispatcher", "connection %q has no channel factory", conn.Name)
	}
	return nil
}

// Receive opens every configured connection
func (d *Dispatcher) Receive(ctx context.Context) error {
	d.mu.RLock()
	names := append([]string(nil), d.order...)
	d.mu.RUnlock()

	for _, name := range names {
		if err := d.OpenByName(ctx, name); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if d.state == DispatcherAwaiting {
		d.state = DispatcherRunning
	}
	d.mu.Unlock()
	return nil
}

// Open registers conn if its name is new and starts its performers. Opening a
// live connection adds performers next to the existing ones.
func (d *Dispatcher) Open(ctx context.Context, conn Connection) error {
	d.mu.Lock()
	if d.state >= DispatcherStopping {
		d.mu.Unlock()
		return contracts.ErrDispatcherStopped
	}
	if existing, ok := d.connections[conn.Name]; ok {
		conn = existing
	} else {
		if err := d.checkConnection(conn); err != nil {
			d.mu.Unlock()
			return err
		}
		d.connections[conn.Name] = conn
		d.order = append(d.order, conn.Name)
	}
	d.mu.Unlock()

	return d.start(ctx, conn)
}

// OpenByName starts performers for a registered connection
func (d *Dispatcher) OpenByName(ctx context.Context, name string) error {
	d.mu.RLock()
	conn, ok := d.connections[name]
	d.mu.RUnlock()

	if !ok {
		return connectionNotFound(name)
	}
	return d.Open(ctx, conn)
}

func (d *Dispatcher) start(ctx context.Context, conn Connection) error {
	translator, err := d.mappers.Translator(conn.RequestType)
	if err != nil {
		return &contracts.ConfigurationError{
			Component: "dispatcher",
			Message:   fmt.Sprintf("no translator for request type %q", conn.RequestType),
			Err:       err,
		}
	}

	factory := conn.ChannelFactory
	if factory == nil {
		factory = d.factory
	}

	created := make([]*Consumer, 0, conn.NoOfPerformers)
	for i := 0; i < conn.NoOfPerformers; i++ {
		consumer, err := d.newConsumer(factory, translator, conn)
		if err != nil {
			for _, c := range created {
				c.performer.closeChannel()
			}
			return fmt.Errorf("open connection %s: %w", conn.Name, err)
		}
		created = append(created, consumer)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state >= DispatcherStopping {
		for _, c := range created {
			c.performer.closeChannel()
		}
		return contracts.ErrDispatcherStopped
	}

	d.removeClosed(conn.Name)
	for _, c := range created {
		d.consumers[c.id] = c
		c.start(func(p *Performer) *Completion { return p.Run(d.baseCtx) })
		d.watchers.Add(1)
		go d.watch(c)
	}
	d.state = DispatcherRunning
	d.metrics.RecordConsumers(conn.Name, d.openCount(conn.Name))

	d.logger.InfoContext(ctx, "connection opened",
		"connection", conn.Name,
		"channel", conn.ChannelName,
		"performers", len(created),
		"async", conn.IsAsync,
	)
	return nil
}

func (d *Dispatcher) newConsumer(factory ChannelFactory, translator Translator, conn Connection) (*Consumer, error) {
	options := append(pumpOptionsFor(conn), WithPumpLogger(d.logger), WithPumpMetrics(d.metrics))

	var performer *Performer
	if conn.IsAsync {
		channel, err := factory.CreateAsyncChannel(conn)
		if err != nil {
			return nil, err
		}
		performer = NewPerformer(channel, NewAsyncMessagePump(channel, translator, d.processor, options...))
		performer.closer = channel.Close
	} else {
		channel, err := factory.CreateSyncChannel(conn)
		if err != nil {
			return nil, err
		}
		performer = NewPerformer(channel, NewMessagePump(channel, translator, d.processor, options...))
		performer.closer = channel.Close
	}
	return newConsumer(conn.Name, performer), nil
}

// watch records the end of a consumer's pump
func (d *Dispatcher) watch(c *Consumer) {
	defer d.watchers.Done()
	<-c.Done()

	d.mu.Lock()
	defer d.mu.Unlock()

	requested := c.close()
	err := c.Err()
	if requested {
		delete(d.consumers, c.id)
	} else if err != nil {
		d.logger.Error("consumer faulted", "connection", c.name, "consumer", c.id, "error", err)
	} else {
		d.logger.Info("consumer ended on quit", "connection", c.name, "consumer", c.id)
	}
	d.metrics.RecordConsumers(c.name, d.openCount(c.name))
}

// Shut stops every consumer of the named connection without waiting for them.
// The dispatcher keeps running and the connection can be opened again.
func (d *Dispatcher) Shut(name string) error {
	d.mu.Lock()
	if _, ok := d.connections[name]; !ok {
		d.mu.Unlock()
		return connectionNotFound(name)
	}

	var live []*Consumer
	for id, c := range d.consumers {
		if c.name != name {
			continue
		}
		if c.State() == ConsumerClosed {
			delete(d.consumers, id)
			continue
		}
		live = append(live, c)
	}
	d.mu.Unlock()

	for _, c := range live {
		c.Shut()
	}

	d.logger.Info("connection shut", "connection", name, "consumers", len(live))
	return nil
}

// End stops every consumer and waits for all of them, or for ctx. Once it
// returns nil the dispatcher is stopped for good. Concurrent calls wait on
// the one doing the work and take over if it gives up.
func (d *Dispatcher) End(ctx context.Context) error {
	for {
		d.mu.Lock()
		switch {
		case d.state == DispatcherStopped:
			d.mu.Unlock()
			return nil
		case d.state == DispatcherStopping && d.ended != nil:
			ended := d.ended
			d.mu.Unlock()
			select {
			case <-ended:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		d.state = DispatcherStopping
		ended := make(chan struct{})
		d.ended = ended
		consumers := make([]*Consumer, 0, len(d.consumers))
		for _, c := range d.consumers {
			consumers = append(consumers, c)
		}
		d.mu.Unlock()

		return d.end(ctx, consumers, ended)
	}
}

func (d *Dispatcher) end(ctx context.Context, consumers []*Consumer, ended chan struct{}) error {
	d.logger.Info("ending dispatcher", "consumers", len(consumers))

	for _, c := range consumers {
		c.Shut()
	}

	var g errgroup.Group
	for _, c := range consumers {
		c := c
		g.Go(func() error {
			select {
			case <-c.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("consumer %s of %s: %w", c.id, c.name, ctx.Err())
			}
		})
	}

	if err := g.Wait(); err != nil {
		d.cancelBase()
		d.mu.Lock()
		d.ended = nil
		d.mu.Unlock()
		close(ended)
		d.logger.Error("dispatcher did not end in time", "error", err)
		return err
	}

	d.watchers.Wait()
	d.cancelBase()

	d.mu.Lock()
	clear(d.consumers)
	d.state = DispatcherStopped
	d.ended = nil
	d.mu.Unlock()
	close(ended)

	d.logger.Info("dispatcher ended")
	return nil
}

// State returns the dispatcher state
func (d *Dispatcher) State() DispatcherState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Consumers returns a snapshot of every known consumer
func (d *Dispatcher) Consumers() []*Consumer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		out = append(out, c)
	}
	return out
}

// ConsumersFor returns a snapshot of the consumers of one connection
func (d *Dispatcher) ConsumersFor(name string) []*Consumer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Consumer
	for _, c := range d.consumers {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// Connections returns the registered connections in registration order
func (d *Dispatcher) Connections() []Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Connection, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.connections[name])
	}
	return out
}

// removeClosed drops consumers of name that already ended; callers hold mu
func (d *Dispatcher) removeClosed(name string) {
	for id, c := range d.consumers {
		if c.name == name && c.State() == ConsumerClosed {
			delete(d.consumers, id)
		}
	}
}

// openCount counts running consumers of name; callers hold mu
func (d *Dispatcher) openCount(name string) int {
	n := 0
	for _, c := range d.consumers {
		if c.name == name && c.State() == ConsumerOpen {
			n++
		}
	}
	return n
}

func connectionNotFound(name string) error {
	return &contracts.ConfigurationError{
		Component: "dispatcher",
		Message:   fmt.Sprintf("unknown connection %q", name),
		Err:       contracts.ErrConnectionNotFound,
	}
}

// IsStopped reports whether err says the dispatcher no longer accepts work
func IsStopped(err error) bool {
	return errors.Is(err, contracts.ErrDispatcherStopped)
}
