package messaging

import (
	"context"
)

// MessagePump reads one channel sequentially, translating each message and
// handing it to the command processor. It ends on a quit message, when the
// unacceptable message limit is reached, or on a configuration error.
type MessagePump struct {
	*pumpCore
	channel Channel
}

// NewMessagePump creates a pump over a blocking channel
func NewMessagePump(channel Channel, translator Translator, processor CommandProcessor, options ...PumpOption) *MessagePump {
	return &MessagePump{
		pumpCore: newPumpCore(syncPumpChannel{ch: channel}, translator, processor, options),
		channel:  channel,
	}
}

// Channel returns the channel the pump reads
func (p *MessagePump) Channel() Channel {
	return p.channel
}

// Run blocks until the pump ends. The channel is closed when Run returns.
func (p *MessagePump) Run(ctx context.Context) error {
	return p.run(ctx)
}
