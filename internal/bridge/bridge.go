// Package bridge connects the kiosk to the embedded hardware controller:
// commands go out, sensor and status telemetry come back.
package bridge

import (
	"context"
	"sync"
	"time"
)

// Kind names a telemetry channel.
type Kind string

const (
	KindSensors  Kind = "sensors"
	KindSystem   Kind = "system"
	KindHardware Kind = "hardware"
)

// Command is the envelope published for every hardware command.
type Command struct {
	Name      string                 `json:"command" cbor:"command"`
	Data      map[string]interface{} `json:"data,omitempty" cbor:"data,omitempty"`
	Timestamp int64                  `json:"timestamp" cbor:"timestamp"`
	Source    string                 `json:"source" cbor:"source"`
}

// Action is one low-level instruction for the controller board, e.g.
// {"action": "activate_relay", "relay": "uv_lamps", "state": true}.
type Action map[string]interface{}

// Reading is one telemetry message.
type Reading struct {
	Kind       Kind
	Values     map[string]interface{}
	ReceivedAt time.Time
}

// Float returns a numeric value regardless of how the codec decoded it.
func (r Reading) Float(key string) (float64, bool) {
	switch v := r.Values[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns a boolean value. The strings "true" and "false" are accepted.
func (r Reading) Bool(key string) (bool, bool) {
	switch v := r.Values[key].(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// TelemetryHandler consumes readings. Handlers must not block.
type TelemetryHandler func(ctx context.Context, r Reading)

// CommandSender is the outbound half of a bridge.
type CommandSender interface {
	// SendCommand is fire-and-forget. Without a link it logs and returns.
	SendCommand(ctx context.Context, name string, data map[string]interface{})
}

// Bridge is a full hardware link.
type Bridge interface {
	CommandSender
	Subscribe(h TelemetryHandler) (unsubscribe func())
	Connected() bool
	Close() error
}

// observers fans readings out to subscribers.
type observers struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]TelemetryHandler
}

func (o *observers) subscribe(h TelemetryHandler) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handlers == nil {
		o.handlers = make(map[uint64]TelemetryHandler)
	}
	id := o.next
	o.next++
	o.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.handlers, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) dispatch(ctx context.Context, r Reading) {
	o.mu.RLock()
	hs := make([]TelemetryHandler, 0, len(o.handlers))
	for _, h := range o.handlers {
		hs = append(hs, h)
	}
	o.mu.RUnlock()

	for _, h := range hs {
		h(ctx, r)
	}
}

func (o *observers) count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.handlers)
}
