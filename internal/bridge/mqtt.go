package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"cleanhelmet/internal/config"
	apperrors "cleanhelmet/internal/errors"
)

// MQTTBridge talks to the controller board through an MQTT broker.
// Commands are published on <prefix>/commands; telemetry arrives on
// <prefix>/sensors, <prefix>/system and <prefix>/hardware.
type MQTTBridge struct {
	client    mqtt.Client
	cfg       config.MQTTConfig
	codec     Codec
	observers observers
	connected atomic.Bool
	logger    *slog.Logger
}

// NewMQTTBridge configures the client. Call Connect to open the link.
func NewMQTTBridge(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTBridge, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, apperrors.NewConfigError("invalid mqtt codec", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &MQTTBridge{
		cfg:    cfg,
		codec:  codec,
		logger: logger.With(slog.String("component", "mqtt_bridge")),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	// Unique suffix so a restarted kiosk does not kick its own stale session.
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.connected.Store(false)
		b.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		b.logger.Debug("unhandled mqtt message", slog.String("topic", msg.Topic()))
	})

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Connect opens the broker connection, bounded by ctx and the configured timeout.
func (b *MQTTBridge) Connect(ctx context.Context) error {
	token := b.client.Connect()
	if err := b.wait(ctx, token); err != nil {
		return apperrors.NewHardwareError("failed to connect to mqtt broker", err).
			WithContext("broker", b.cfg.Broker)
	}
	b.logger.InfoContext(ctx, "mqtt bridge connected",
		slog.String("broker", b.cfg.Broker),
		slog.String("codec", b.codec.Name()),
	)
	return nil
}

func (b *MQTTBridge) onConnect(c mqtt.Client) {
	b.connected.Store(true)
	for _, kind := range []Kind{KindSensors, KindSystem, KindHardware} {
		topic := b.topic(string(kind))
		if token := c.Subscribe(topic, b.cfg.QoS, b.onMessage); token.WaitTimeout(b.cfg.Timeout) && token.Error() != nil {
			b.logger.Error("mqtt subscribe failed",
				slog.String("topic", topic),
				slog.String("error", token.Error().Error()),
			)
		}
	}
}

func (b *MQTTBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	kind := Kind(msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:])

	values := make(map[string]interface{})
	if err := b.codec.Unmarshal(msg.Payload(), &values); err != nil {
		b.logger.Warn("undecodable telemetry",
			slog.String("topic", msg.Topic()),
			slog.String("error", err.Error()),
		)
		return
	}
	b.observers.dispatch(context.Background(), Reading{Kind: kind, Values: values, ReceivedAt: time.Now()})
}

// SendCommand publishes without waiting for the broker acknowledgement.
func (b *MQTTBridge) SendCommand(ctx context.Context, name string, data map[string]interface{}) {
	if !b.connected.Load() {
		b.logger.WarnContext(ctx, "no hardware link, command dropped", slog.String("command", name))
		return
	}

	payload, err := b.codec.Marshal(Command{
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Source:    "kiosk",
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode command", slog.String("command", name), slog.String("error", err.Error()))
		return
	}

	token := b.client.Publish(b.topic("commands"), b.cfg.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(b.cfg.Timeout) {
			b.logger.Warn("command publish not acknowledged", slog.String("command", name))
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Error("command publish failed", slog.String("command", name), slog.String("error", err.Error()))
		}
	}()
	b.logger.DebugContext(ctx, "hardware command sent", slog.String("command", name))
}

func (b *MQTTBridge) Subscribe(h TelemetryHandler) func() { return b.observers.subscribe(h) }

func (b *MQTTBridge) Connected() bool { return b.connected.Load() && b.client.IsConnectionOpen() }

// Close disconnects, allowing in-flight work a short grace period.
func (b *MQTTBridge) Close() error {
	b.connected.Store(false)
	b.client.Disconnect(250)
	return nil
}

func (b *MQTTBridge) topic(leaf string) string {
	return strings.TrimSuffix(b.cfg.TopicPrefix, "/") + "/" + leaf
}

func (b *MQTTBridge) wait(ctx context.Context, token mqtt.Token) error {
	timeout := b.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
