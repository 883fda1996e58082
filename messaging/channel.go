package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Stopper is the part of a channel a performer uses to end its pump
type Stopper interface {
	// Stop makes the pending or next receive return a quit message
	Stop()
}

// Channel is a synchronous view over a broker queue or topic.
// A channel is owned by exactly one pump and is never shared.
type Channel interface {
	Stopper

	// Name returns the channel name
	Name() string

	// Receive waits up to timeout for a message. A timeout returns an empty
	// message and no error. Transport errors wrap contracts.ErrChannelFailure.
	Receive(timeout time.Duration) (*contracts.Message, error)

	// Acknowledge marks the message as processed
	Acknowledge(msg *contracts.Message) error

	// Reject discards the message without redelivery
	Reject(msg *contracts.Message) error

	// Requeue schedules the message for redelivery after delay
	Requeue(msg *contracts.Message, delay time.Duration) error

	// Purge removes all pending messages
	Purge() error

	// Close disposes the channel and releases broker resources
	Close() error
}

// AsyncChannel mirrors Channel with context-aware operations
type AsyncChannel interface {
	Stopper

	// Name returns the channel name
	Name() string

	// ReceiveContext waits up to timeout for a message or until ctx is done
	ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error)

	// AcknowledgeContext marks the message as processed
	AcknowledgeContext(ctx context.Context, msg *contracts.Message) error

	// RejectContext discards the message without redelivery
	RejectContext(ctx context.Context, msg *contracts.Message) error

	// RequeueContext schedules the message for redelivery after delay
	RequeueContext(ctx context.Context, msg *contracts.Message, delay time.Duration) error

	// PurgeContext removes all pending messages
	PurgeContext(ctx context.Context) error

	// Close disposes the channel and releases broker resources
	Close() error
}

// ChannelFactory builds channels for a connection, applying its
// OnMissingChannel policy against the broker
type ChannelFactory interface {
	// CreateSyncChannel creates a channel for a MessagePump
	CreateSyncChannel(conn Connection) (Channel, error)

	// CreateAsyncChannel creates a channel for an AsyncMessagePump
	CreateAsyncChannel(conn Connection) (AsyncChannel, error)
}

// OnMissingChannel decides what a factory does when the broker queue is absent
type OnMissingChannel int

const (
	// OnMissingChannelCreate declares the queue and its binding
	OnMissingChannelCreate OnMissingChannel = iota
	// OnMissingChannelValidate fails when the queue does not exist
	OnMissingChannelValidate
	// OnMissingChannelAssume trusts the queue exists and touches nothing
	OnMissingChannelAssume
)

func (o OnMissingChannel) String() string {
	switch o {
	case OnMissingChannelCreate:
		return "create"
	case OnMissingChannelValidate:
		return "validate"
	case OnMissingChannelAssume:
		return "assume"
	default:
		return "unknown"
	}
}

// ParseOnMissingChannel parses create, validate or assume
func ParseOnMissingChannel(s string) (OnMissingChannel, error) {
	switch s {
	case "", "create":
		return OnMissingChannelCreate, nil
	case "validate":
		return OnMissingChannelValidate, nil
	case "assume":
		return OnMissingChannelAssume, nil
	}
	return OnMissingChannelCreate, contracts.NewConfigurationError("connection", "unknown missing channel policy %q", s)
}
