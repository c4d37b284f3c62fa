package bridge

import (
	"context"
	"sync"
	"time"
)

// Recorder is an in-memory Bridge that keeps every command it is sent.
type Recorder struct {
	mu        sync.Mutex
	commands  []Command
	observers observers
	connected bool
}

// NewRecorder returns a connected recorder.
func NewRecorder() *Recorder {
	return &Recorder{connected: true}
}

func (r *Recorder) SendCommand(_ context.Context, name string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, Command{Name: name, Data: data, Timestamp: time.Now().UnixMilli(), Source: "kiosk"})
}

func (r *Recorder) Subscribe(h TelemetryHandler) func() { return r.observers.subscribe(h) }

func (r *Recorder) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Recorder) SetConnected(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = v
}

func (r *Recorder) Close() error { return nil }

// Commands returns a copy of the recorded commands.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Names returns the recorded command names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.commands))
	for i, c := range r.commands {
		names[i] = c.Name
	}
	return names
}

// Reset forgets recorded commands.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}

// Inject delivers a reading to subscribers.
func (r *Recorder) Inject(ctx context.Context, kind Kind, values map[string]interface{}) {
	r.observers.dispatch(ctx, Reading{Kind: kind, Values: values, ReceivedAt: time.Now()})
}

// Subscribers reports how many handlers are registered.
func (r *Recorder) Subscribers() int { return r.observers.count() }
