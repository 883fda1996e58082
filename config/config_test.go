package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

func TestFromMap(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := FromMap(map[string]string{})
		require.NoError(t, err)

		assert.Equal(t, TransportMemory, cfg.Transport)
		assert.Equal(t, time.Second, cfg.Timeout)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, "create", cfg.MakeChannels)
		assert.Empty(t, cfg.Connections)
	})

	t.Run("reads values", func(t *testing.T) {
		cfg, err := FromMap(map[string]string{
			"MMATE_TRANSPORT":     "kafka",
			"MMATE_KAFKA_BROKERS": "k1:9092,k2:9092",
			"MMATE_TIMEOUT":       "250ms",
			"MMATE_LOG_FORMAT":    "json",
			"MMATE_CONNECTIONS":   "orders=orders.q:PlaceOrder:4:3:10; audit=audit:OrderPlaced:1",
		})
		require.NoError(t, err)

		assert.Equal(t, TransportKafka, cfg.Transport)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
		require.Len(t, cfg.Connections, 2)
		assert.Equal(t, ConnectionSpec{Name: "orders", Channel: "orders.q", RequestType: "PlaceOrder", Performers: 4, RequeueCount: 3, UnacceptableLimit: 10}, cfg.Connections[0])
		assert.Equal(t, ConnectionSpec{Name: "audit", Channel: "audit", RequestType: "OrderPlaced", Performers: 1, RequeueCount: -1}, cfg.Connections[1])
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		tests := []struct {
			name string
			vars map[string]string
		}{
			{"unknown transport", map[string]string{"MMATE_TRANSPORT": "carrier-pigeon"}},
			{"bad duration", map[string]string{"MMATE_TIMEOUT": "soon"}},
			{"bad policy", map[string]string{"MMATE_MAKE_CHANNELS": "maybe"}},
			{"bad level", map[string]string{"MMATE_LOG_LEVEL": "loud"}},
			{"bad format", map[string]string{"MMATE_LOG_FORMAT": "xml"}},
			{"bad connection", map[string]string{"MMATE_CONNECTIONS": "orders=orders"}},
			{"bad number", map[string]string{"MMATE_CONNECTIONS": "orders=orders:PlaceOrder:many"}},
			{"bad flag", map[string]string{"MMATE_CONNECTIONS": "orders=orders:PlaceOrder:1:0:0:sync"}},
			{"duplicate connection", map[string]string{"MMATE_CONNECTIONS": "a=x:T:1;a=y:T:1"}},
			{"zero health interval", map[string]string{"MMATE_HEALTH_INTERVAL": "0s"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := FromMap(tt.vars)
				assert.True(t, contracts.IsConfigurationError(err), "got %v", err)
			})
		}
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("MMATE_TRANSPORT=nats\nMMATE_NATS_URL=nats://broker:4222\n"), 0o600))
	t.Setenv("MMATE_TRANSPORT", "")
	require.NoError(t, os.Unsetenv("MMATE_TRANSPORT"))
	t.Setenv("MMATE_NATS_URL", "nats://from-env:4222")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, TransportNATS, cfg.Transport)
	// godotenv never overrides variables already set
	assert.Equal(t, "nats://from-env:4222", cfg.NATSURL)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestBuildConnections(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"MMATE_TIMEOUT":       "200ms",
		"MMATE_REQUEUE_DELAY": "1s",
		"MMATE_MAKE_CHANNELS": "validate",
		"MMATE_CONNECTIONS":   "orders=orders.q:PlaceOrder:2:5:7:async",
	})
	require.NoError(t, err)

	conns, err := cfg.BuildConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)

	conn := conns[0]
	assert.Equal(t, "orders", conn.Name)
	assert.Equal(t, "orders.q", conn.ChannelName)
	assert.Equal(t, "PlaceOrder", conn.RequestType)
	assert.Equal(t, 2, conn.NoOfPerformers)
	assert.Equal(t, 5, conn.RequeueCount)
	assert.Equal(t, 7, conn.UnacceptableMessageLimit)
	assert.True(t, conn.IsAsync)
	assert.Equal(t, 200*time.Millisecond, conn.TimeOut)
	assert.Equal(t, time.Second, conn.RequeueDelay)
	assert.Equal(t, messaging.OnMissingChannelValidate, conn.MakeChannels)

	t.Run("invalid performers", func(t *testing.T) {
		cfg.Connections = Connections{{Name: "x", Channel: "x", RequestType: "T", Performers: 0, RequeueCount: -1}}
		_, err := cfg.BuildConnections()
		assert.True(t, contracts.IsConfigurationError(err))
	})
}

func TestConnectionSpecString(t *testing.T) {
	spec := ConnectionSpec{Name: "orders", Channel: "q", RequestType: "PlaceOrder", Performers: 2, RequeueCount: -1, Async: true}
	assert.Equal(t, "orders=q:PlaceOrder:2:-1:0:async", spec.String())

	var parsed Connections
	require.NoError(t, parsed.UnmarshalText([]byte(spec.String())))
	assert.Equal(t, Connections{spec}, parsed)
}
