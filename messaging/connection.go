package messaging

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Connection describes one subscription: where to read, what to translate
// into and how many performers to run. Connections are values; the
// dispatcher keeps its own copy, so a registered connection never changes.
type Connection struct {
	Name                     string
	ChannelName              string
	RoutingKey               string
	RequestType              string
	NoOfPerformers           int
	TimeOut                  time.Duration
	RequeueCount             int
	RequeueDelay             time.Duration
	UnacceptableMessageLimit int
	IsAsync                  bool
	ChannelFactory           ChannelFactory
	MakeChannels             OnMissingChannel
	ChannelFailureDelay      time.Duration
	EmptyChannelDelay        time.Duration
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithRequestType sets the request type the mapper registry translates messages into
func WithRequestType(requestType string) ConnectionOption {
	return func(c *Connection) {
		c.RequestType = requestType
	}
}

// WithChannelName sets the broker queue or topic name
func WithChannelName(name string) ConnectionOption {
	return func(c *Connection) {
		c.ChannelName = name
	}
}

// WithRoutingKey sets the routing key used to bind the channel
func WithRoutingKey(key string) ConnectionOption {
	return func(c *Connection) {
		c.RoutingKey = key
	}
}

// WithPerformers sets the number of performers
func WithPerformers(n int) ConnectionOption {
	return func(c *Connection) {
		c.NoOfPerformers = n
	}
}

// WithTimeOut sets the receive timeout
func WithTimeOut(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.TimeOut = timeout
	}
}

// WithRequeueCount sets how often a deferred message is requeued: -1 unlimited, 0 never
func WithRequeueCount(count int) ConnectionOption {
	return func(c *Connection) {
		c.RequeueCount = count
	}
}

// WithRequeueDelay sets the delay applied when a message is requeued
func WithRequeueDelay(delay time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.RequeueDelay = delay
	}
}

// WithUnacceptableMessageLimit sets how many unacceptable messages a pump tolerates; 0 disables the limit
func WithUnacceptableMessageLimit(limit int) ConnectionOption {
	return func(c *Connection) {
		c.UnacceptableMessageLimit = limit
	}
}

// WithAsync runs the connection on an AsyncMessagePump
func WithAsync(async bool) ConnectionOption {
	return func(c *Connection) {
		c.IsAsync = async
	}
}

// WithChannelFactory overrides the dispatcher's channel factory for this connection
func WithChannelFactory(factory ChannelFactory) ConnectionOption {
	return func(c *Connection) {
		c.ChannelFactory = factory
	}
}

// WithMakeChannels sets the missing channel policy
func WithMakeChannels(policy OnMissingChannel) ConnectionOption {
	return func(c *Connection) {
		c.MakeChannels = policy
	}
}

// WithChannelFailureDelay sets the base backoff after a transport failure
func WithChannelFailureDelay(delay time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.ChannelFailureDelay = delay
	}
}

// WithEmptyChannelDelay sets the pause after a receive that returned nothing
func WithEmptyChannelDelay(delay time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.EmptyChannelDelay = delay
	}
}

// NewConnection creates a validated connection
func NewConnection(name string, options ...ConnectionOption) (Connection, error) {
	c := Connection{
		Name:                name,
		NoOfPerformers:      1,
		TimeOut:             time.Second,
		RequeueCount:        -1,
		MakeChannels:        OnMissingChannelCreate,
		ChannelFailureDelay: time.Second,
	}

	for _, opt := range options {
		opt(&c)
	}

	if c.ChannelName == "" {
		c.ChannelName = name
	}
	if c.RoutingKey == "" {
		c.RoutingKey = c.ChannelName
	}

	if err := c.Validate(); err != nil {
		return Connection{}, err
	}
	return c, nil
}

// Validate checks the connection invariants
func (c Connection) Validate() error {
	switch {
	case c.Name == "":
		return contracts.NewConfigurationError("connection", "name cannot be empty")
	case c.RequestType == "":
		return contracts.NewConfigurationError("connection", "request type cannot be empty for %s", c.Name)
	case c.NoOfPerformers < 1:
		return contracts.NewConfigurationError("connection", "%s needs at least one performer, got %d", c.Name, c.NoOfPerformers)
	case c.TimeOut <= 0:
		return contracts.NewConfigurationError("connection", "%s needs a positive receive timeout", c.Name)
	case c.RequeueCount < -1:
		return contracts.NewConfigurationError("connection", "%s requeue count must be -1 or more, got %d", c.Name, c.RequeueCount)
	case c.UnacceptableMessageLimit < 0:
		return contracts.NewConfigurationError("connection", "%s unacceptable message limit cannot be negative", c.Name)
	case c.RequeueDelay < 0 || c.ChannelFailureDelay < 0 || c.EmptyChannelDelay < 0:
		return contracts.NewConfigurationError("connection", "%s delays cannot be negative", c.Name)
	}
	return nil
}

func (c Connection) String() string {
	return fmt.Sprintf("%s(channel=%s, type=%s, performers=%d)", c.Name, c.ChannelName, c.RequestType, c.NoOfPerformers)
}
