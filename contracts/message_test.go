package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage(t *testing.T) {
	t.Run("NewMessage creates valid message", func(t *testing.T) {
		msg := NewMessage("orders", MessageTypeCommand, NewMessageBody(`{"id":1}`))

		assert.NotEmpty(t, msg.Header.ID)
		assert.Equal(t, "orders", msg.Header.Topic)
		assert.Equal(t, MessageTypeCommand, msg.Header.MessageType)
		assert.NotZero(t, msg.Header.TimeStamp)
		assert.Zero(t, msg.Header.HandledCount)
		assert.Equal(t, `{"id":1}`, msg.Body.Value())

		_, err := uuid.Parse(msg.Header.ID)
		assert.NoError(t, err)
	})

	t.Run("control messages", func(t *testing.T) {
		assert.Equal(t, MessageTypeQuit, NewQuitMessage().Header.MessageType)
		assert.True(t, NewEmptyMessage().IsEmpty())
		assert.Equal(t, MessageTypeUnacceptable, NewUnacceptableMessage("t", []byte("x")).Header.MessageType)

		var nilMsg *Message
		assert.True(t, nilMsg.IsEmpty())
	})

	t.Run("HandledCountReached", func(t *testing.T) {
		msg := NewMessage("orders", MessageTypeCommand, MessageBody{})

		for i := 0; i < 3; i++ {
			msg.Header.UpdateHandledCount()
			assert.False(t, msg.HandledCountReached(3))
		}
		msg.Header.UpdateHandledCount()
		assert.True(t, msg.HandledCountReached(3))
		assert.False(t, msg.HandledCountReached(-1))
	})

	t.Run("Clone does not share body or bag", func(t *testing.T) {
		msg := NewMessage("orders", MessageTypeEvent, NewMessageBody("abc"))
		msg.Header.Bag = map[string]any{"k": "v"}

		c := msg.Clone()
		c.Body.Bytes[0] = 'z'
		c.Header.Bag["k"] = "changed"

		assert.Equal(t, "abc", msg.Body.Value())
		assert.Equal(t, "v", msg.Header.Bag["k"])
	})
}

func TestMessageType(t *testing.T) {
	tests := []struct {
		in   string
		want MessageType
	}{
		{"command", MessageTypeCommand},
		{"EVENT", MessageTypeEvent},
		{"quit", MessageTypeQuit},
		{"MT_UNACCEPTABLE", MessageTypeUnacceptable},
		{"none", MessageTypeNone},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMessageType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown type is unacceptable", func(t *testing.T) {
		got, err := ParseMessageType("document")
		assert.Error(t, err)
		assert.Equal(t, MessageTypeUnacceptable, got)
	})

	t.Run("text round trip", func(t *testing.T) {
		text, err := MessageTypeEvent.MarshalText()
		require.NoError(t, err)

		var mt MessageType
		require.NoError(t, mt.UnmarshalText(text))
		assert.Equal(t, MessageTypeEvent, mt)
	})
}

func TestErrors(t *testing.T) {
	t.Run("channel failure classification", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := fmt.Errorf("receive: %w", NewChannelFailure("orders", "receive", cause))

		assert.True(t, IsChannelFailure(err))
		assert.ErrorIs(t, err, cause)
		assert.False(t, IsDeferMessage(err))
	})

	t.Run("defer message classification", func(t *testing.T) {
		err := DeferMessage("stock not ready")

		assert.True(t, IsDeferMessage(err))
		assert.Contains(t, err.Error(), "stock not ready")
	})

	t.Run("mapping error", func(t *testing.T) {
		err := &MappingError{RequestType: "Order", MessageID: "1", Err: errors.New("bad json")}

		assert.ErrorIs(t, err, ErrMessageMapping)
		assert.Contains(t, err.Error(), "Order")
	})

	t.Run("configuration error", func(t *testing.T) {
		err := fmt.Errorf("open: %w", NewConfigurationError("dispatcher", "unknown connection %q", "x"))

		assert.True(t, IsConfigurationError(err))
		assert.Contains(t, err.Error(), `unknown connection "x"`)
	})
}

func TestBaseRequest(t *testing.T) {
	t.Run("NewBaseCommand generates id", func(t *testing.T) {
		cmd := NewBaseCommand()

		var c Command = cmd
		assert.NotEmpty(t, c.GetID())
		assert.NotZero(t, c.GetTimestamp())
	})

	t.Run("NewBaseEvent implements Event", func(t *testing.T) {
		evt := NewBaseEvent("order-1")
		evt.SetCorrelationID("corr")

		var e Event = evt
		assert.Equal(t, "order-1", e.GetAggregateID())
		assert.Equal(t, "corr", evt.GetCorrelationID())
	})
}

func TestRequestTypeName(t *testing.T) {
	type PlaceOrder struct {
		BaseCommand
	}

	assert.Equal(t, "PlaceOrder", RequestTypeName(PlaceOrder{}))
	assert.Equal(t, "PlaceOrder", RequestTypeName(&PlaceOrder{}))
	assert.Equal(t, "PlaceOrder", TypeNameOf[*PlaceOrder]())
	assert.Equal(t, "", RequestTypeName(nil))
}
