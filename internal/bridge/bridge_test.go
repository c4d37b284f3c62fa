package bridge

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanhelmet/internal/config"
)

func TestCodecs(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, err := NewCodec(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			data, err := c.Marshal(map[string]interface{}{"door_sensor": "open", "temperature": 31.5, "cycle_active": true})
			require.NoError(t, err)

			values := map[string]interface{}{}
			require.NoError(t, c.Unmarshal(data, &values))
			r := Reading{Values: values}

			temp, ok := r.Float("temperature")
			assert.True(t, ok)
			assert.InDelta(t, 31.5, temp, 1e-9)
			active, ok := r.Bool("cycle_active")
			assert.True(t, ok)
			assert.True(t, active)
			assert.Equal(t, "open", values["door_sensor"])
		})
	}

	_, err := NewCodec("xml")
	assert.Error(t, err)
}

func TestCBORIsDeterministic(t *testing.T) {
	c, err := NewCodec("cbor")
	require.NoError(t, err)
	a, err := c.Marshal(Command{Name: "start_step", Data: map[string]interface{}{"b": 1, "a": 2}})
	require.NoError(t, err)
	b, err := c.Marshal(Command{Name: "start_step", Data: map[string]interface{}{"a": 2, "b": 1}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestReadingAccessors(t *testing.T) {
	r := Reading{Values: map[string]interface{}{
		"i":   int64(12),
		"u":   uint64(7),
		"s":   "false",
		"bad": "maybe",
	}}

	v, ok := r.Float("i")
	assert.True(t, ok)
	assert.Equal(t, 12.0, v)
	v, ok = r.Float("u")
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)
	_, ok = r.Float("missing")
	assert.False(t, ok)

	b, ok := r.Bool("s")
	assert.True(t, ok)
	assert.False(t, b)
	_, ok = r.Bool("bad")
	assert.False(t, ok)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	rec := NewRecorder()
	var got []Kind
	unsubscribe := rec.Subscribe(func(_ context.Context, r Reading) { got = append(got, r.Kind) })

	rec.Inject(context.Background(), KindSensors, nil)
	unsubscribe()
	unsubscribe()
	rec.Inject(context.Background(), KindSystem, nil)

	assert.Equal(t, []Kind{KindSensors}, got)
	assert.Zero(t, rec.Subscribers())
}

func TestNullBridgeDropsCommands(t *testing.T) {
	b := NewNullBridge(slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.SendCommand(context.Background(), "start_cycle", nil)
	assert.False(t, b.Connected())

	seen := 0
	b.Subscribe(func(context.Context, Reading) { seen++ })
	b.Inject(context.Background(), KindHardware, map[string]interface{}{"esp32_connected": false})
	assert.Equal(t, 1, seen)
}

func TestMQTTBridgeWithoutBroker(t *testing.T) {
	cfg := config.Default().MQTT
	cfg.Codec = "cbor"
	b, err := NewMQTTBridge(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.False(t, b.Connected())
	assert.Equal(t, "cleanhelmet/commands", b.topic("commands"))

	// Not connected: the command is logged and dropped without blocking.
	b.SendCommand(context.Background(), "start_cycle", map[string]interface{}{"steps": 4})

	cfg.Codec = "yaml"
	_, err = NewMQTTBridge(cfg, nil)
	assert.Error(t, err)
}
