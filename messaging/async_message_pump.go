package messaging

import (
	"context"
)

// AsyncMessagePump runs the same loop as MessagePump over an AsyncChannel.
// Cancelling the context passed to Run ends the loop at its next receive;
// a message already handed to the processor is settled first.
type AsyncMessagePump struct {
	*pumpCore
	channel AsyncChannel
}

// NewAsyncMessagePump creates a pump over a context-aware channel
func NewAsyncMessagePump(channel AsyncChannel, translator Translator, processor CommandProcessor, options ...PumpOption) *AsyncMessagePump {
	core := newPumpCore(asyncPumpChannel{ch: channel}, translator, processor, options)
	core.cancellable = true
	return &AsyncMessagePump{
		pumpCore: core,
		channel:  channel,
	}
}

// Channel returns the channel the pump reads
func (p *AsyncMessagePump) Channel() AsyncChannel {
	return p.channel
}

// Run blocks until the pump ends or ctx is cancelled
func (p *AsyncMessagePump) Run(ctx context.Context) error {
	return p.run(ctx)
}
