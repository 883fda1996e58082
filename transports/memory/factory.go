package memory

import (
	"log/slog"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

// ChannelFactory creates channels over a Bus
type ChannelFactory struct {
	bus    *Bus
	logger *slog.Logger
}

// FactoryOption configures the ChannelFactory
type FactoryOption func(*ChannelFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *ChannelFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewChannelFactory creates a factory for bus
func NewChannelFactory(bus *Bus, options ...FactoryOption) *ChannelFactory {
	f := &ChannelFactory{bus: bus, logger: slog.Default()}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Bus returns the underlying bus
func (f *ChannelFactory) Bus() *Bus {
	return f.bus
}

func (f *ChannelFactory) create(conn messaging.Connection) (*Channel, error) {
	switch conn.MakeChannels {
	case messaging.OnMissingChannelCreate:
		f.bus.Declare(conn.ChannelName)
	case messaging.OnMissingChannelValidate:
		if !f.bus.Exists(conn.ChannelName) {
			return nil, contracts.NewConfigurationError("memory", "queue %s does not exist", conn.ChannelName)
		}
	}
	return newChannel(f.bus, conn.ChannelName, f.logger), nil
}

// CreateSyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateSyncChannel(conn messaging.Connection) (messaging.Channel, error) {
	return f.create(conn)
}

// CreateAsyncChannel implements messaging.ChannelFactory
func (f *ChannelFactory) CreateAsyncChannel(conn messaging.Connection) (messaging.AsyncChannel, error) {
	return f.create(conn)
}
