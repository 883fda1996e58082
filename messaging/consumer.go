package messaging

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ConsumerState is the lifecycle of a consumer
type ConsumerState int32

const (
	ConsumerOpen ConsumerState = iota
	ConsumerShutting
	ConsumerClosed
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerOpen:
		return "open"
	case ConsumerShutting:
		return "shutting"
	case ConsumerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Consumer is the dispatcher's record of one running performer
type Consumer struct {
	id         string
	name       string
	performer  *Performer
	completion *Completion
	state      atomic.Int32
}

func newConsumer(name string, performer *Performer) *Consumer {
	return &Consumer{
		id:        uuid.New().String(),
		name:      name,
		performer: performer,
	}
}

// ID returns the consumer's unique id
func (c *Consumer) ID() string { return c.id }

// Name returns the connection name
func (c *Consumer) Name() string { return c.name }

// State returns the current state
func (c *Consumer) State() ConsumerState { return ConsumerState(c.state.Load()) }

// Performer returns the performer driving this consumer
func (c *Consumer) Performer() *Performer { return c.performer }

// Err returns why the pump ended, nil while running or after a clean stop
func (c *Consumer) Err() error {
	if c.completion == nil {
		return nil
	}
	return c.completion.Err()
}

// Done is closed when the consumer's pump has returned
func (c *Consumer) Done() <-chan struct{} {
	return c.completion.Done()
}

// Faulted reports whether the pump ended with an error
func (c *Consumer) Faulted() bool {
	return c.State() == ConsumerClosed && c.Err() != nil
}

// Shut asks the consumer to stop
func (c *Consumer) Shut() {
	c.state.CompareAndSwap(int32(ConsumerOpen), int32(ConsumerShutting))
	c.performer.Stop()
}

func (c *Consumer) start(run func(*Performer) *Completion) {
	c.completion = run(c.performer)
}

// close marks the consumer closed and reports whether it was asked to stop
func (c *Consumer) close() (requested bool) {
	prev := ConsumerState(c.state.Swap(int32(ConsumerClosed)))
	return prev == ConsumerShutting
}
