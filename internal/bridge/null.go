package bridge

import (
	"context"
	"log/slog"
	"time"
)

// NullBridge is used in demo mode and whenever no broker is configured.
// Commands are only logged. Inject feeds simulated telemetry.
type NullBridge struct {
	observers observers
	logger    *slog.Logger
}

// NewNullBridge creates a bridge without a remote link.
func NewNullBridge(logger *slog.Logger) *NullBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &NullBridge{logger: logger.With(slog.String("component", "null_bridge"))}
}

func (b *NullBridge) SendCommand(ctx context.Context, name string, data map[string]interface{}) {
	b.logger.InfoContext(ctx, "[demo] hardware command", slog.String("command", name))
}

func (b *NullBridge) Subscribe(h TelemetryHandler) func() { return b.observers.subscribe(h) }

func (b *NullBridge) Connected() bool { return false }

func (b *NullBridge) Close() error { return nil }

// Inject delivers a reading to subscribers as if it came from hardware.
func (b *NullBridge) Inject(ctx context.Context, kind Kind, values map[string]interface{}) {
	b.observers.dispatch(ctx, Reading{Kind: kind, Values: values, ReceivedAt: time.Now()})
}
