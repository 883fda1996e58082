package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-dispatch/contracts"
)

func TestNewConnection(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		conn, err := NewConnection("orders", WithRequestType("PlaceOrder"))
		require.NoError(t, err)

		assert.Equal(t, "orders", conn.ChannelName)
		assert.Equal(t, "orders", conn.RoutingKey)
		assert.Equal(t, 1, conn.NoOfPerformers)
		assert.Equal(t, time.Second, conn.TimeOut)
		assert.Equal(t, -1, conn.RequeueCount)
		assert.Zero(t, conn.UnacceptableMessageLimit)
		assert.Equal(t, OnMissingChannelCreate, conn.MakeChannels)
		assert.False(t, conn.IsAsync)
	})

	t.Run("applies options", func(t *testing.T) {
		conn, err := NewConnection("orders",
			WithRequestType("PlaceOrder"),
			WithChannelName("orders.queue"),
			WithPerformers(4),
			WithRequeueCount(3),
			WithRequeueDelay(time.Minute),
			WithUnacceptableMessageLimit(10),
			WithAsync(true),
			WithMakeChannels(OnMissingChannelValidate),
		)
		require.NoError(t, err)

		assert.Equal(t, "orders.queue", conn.ChannelName)
		assert.Equal(t, "orders.queue", conn.RoutingKey)
		assert.Equal(t, 4, conn.NoOfPerformers)
		assert.Equal(t, 3, conn.RequeueCount)
		assert.Equal(t, time.Minute, conn.RequeueDelay)
		assert.True(t, conn.IsAsync)
	})

	invalid := map[string][]ConnectionOption{
		"missing request type": nil,
		"no performers":        {WithRequestType("X"), WithPerformers(0)},
		"zero timeout":         {WithRequestType("X"), WithTimeOut(0)},
		"bad requeue count":    {WithRequestType("X"), WithRequeueCount(-2)},
		"negative limit":       {WithRequestType("X"), WithUnacceptableMessageLimit(-1)},
		"negative delay":       {WithRequestType("X"), WithRequeueDelay(-time.Second)},
	}
	for name, opts := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := NewConnection("orders", opts...)
			assert.True(t, contracts.IsConfigurationError(err))
		})
	}

	t.Run("empty name", func(t *testing.T) {
		_, err := NewConnection("", WithRequestType("X"))
		assert.True(t, contracts.IsConfigurationError(err))
	})
}

func TestParseOnMissingChannel(t *testing.T) {
	policy, err := ParseOnMissingChannel("validate")
	require.NoError(t, err)
	assert.Equal(t, OnMissingChannelValidate, policy)

	_, err = ParseOnMissingChannel("explode")
	assert.True(t, contracts.IsConfigurationError(err))
}
