// Package cycle runs the disinfection program: an ordered list of timed
// steps with a door-sensor pause and an emergency stop.
package cycle

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cleanhelmet/internal/bridge"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/scheduler"
)

// Status is the controller state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusForceStopped Status = "force_stopped"
)

const (
	tickTimer   = "cycle.step_tick"
	settleTimer = "cycle.settle"
)

var (
	// ErrCycleActive rejects a start while a cycle is running or paused.
	ErrCycleActive = errors.New("cycle already active")
	// ErrInvalidTransition is returned, and logged, for ignored transitions.
	ErrInvalidTransition = errors.New("invalid cycle transition")
)

// State is a read-only copy of the controller state.
type State struct {
	Status                   Status    `json:"status"`
	CurrentStepIndex         int       `json:"current_step_index"`
	StepName                 string    `json:"step_name,omitempty"`
	StepTimeRemainingSeconds int       `json:"step_time_remaining_seconds"`
	StepCount                int       `json:"step_count"`
	Settling                 bool      `json:"settling,omitempty"`
	StartedAt                time.Time `json:"started_at,omitempty"`
	SessionID                string    `json:"session_id,omitempty"`
	PaymentReference         string    `json:"payment_reference,omitempty"`
	Free                     bool      `json:"free"`
}

// Active reports whether a cycle is running or paused.
func (s State) Active() bool {
	return s.Status == StatusRunning || s.Status == StatusPaused
}

// StartRequest identifies who is paying for a cycle.
type StartRequest struct {
	SessionID        string
	PaymentReference string
	Free             bool
	DeviceID         string
}

// UsageReport describes a completed cycle.
type UsageReport struct {
	SessionID        string        `json:"session_id"`
	DeviceID         string        `json:"device_id,omitempty"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	Free             bool          `json:"free"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          time.Time     `json:"ended_at"`
	Duration         time.Duration `json:"duration"`
	StepCount        int           `json:"step_count"`
	Steps            []string      `json:"steps"`
	DoorInterrupts   int           `json:"door_interrupts"`
}

// AbortReport describes a forced stop.
type AbortReport struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Reason    string    `json:"reason"`
	StepIndex int       `json:"step_index"`
	StepName  string    `json:"step_name"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	Free      bool      `json:"free"`
}

// Handlers receive controller events. They run outside the controller
// lock and may call back into the controller.
type Handlers struct {
	OnStateChange  func(State)
	OnCompleted    func(UsageReport)
	OnForceStopped func(AbortReport)
}

// Options configures a Controller.
type Options struct {
	Steps        []Step
	TickInterval time.Duration
	SettleDelay  time.Duration
	Timers       *scheduler.Registry
	Commands     bridge.CommandSender
	Handlers     Handlers
	Metrics      *infrastructure.KioskMetrics
	Logger       *slog.Logger
}

// Controller owns the cycle state. One per kiosk.
type Controller struct {
	mu       sync.Mutex
	steps    []Step
	tick     time.Duration
	settle   time.Duration
	timers   *scheduler.Registry
	commands bridge.CommandSender
	handlers Handlers
	metrics  *infrastructure.KioskMetrics
	logger   *slog.Logger

	state     State
	deviceID  string
	completed []string
	doors     int
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		steps:    append([]Step(nil), opts.Steps...),
		tick:     opts.TickInterval,
		settle:   opts.SettleDelay,
		timers:   opts.Timers,
		commands: opts.Commands,
		handlers: opts.Handlers,
		metrics:  opts.Metrics,
		logger:   logger.With(slog.String("component", "cycle_controller")),
		state:    State{Status: StatusIdle, StepCount: len(opts.Steps)},
	}
}

// SetHandlers replaces the event handlers.
func (c *Controller) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Steps returns the configured program.
func (c *Controller) Steps() []Step {
	return append([]Step(nil), c.steps...)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCycle begins step 0. It fails with ErrCycleActive, changing
// nothing, while another cycle is running or paused.
func (c *Controller) StartCycle(ctx context.Context, req StartRequest) error {
	var after []func()
	defer func() { run(after) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Active() {
		c.logger.WarnContext(ctx, "start ignored, cycle already active", slog.String("status", string(c.state.Status)))
		return ErrCycleActive
	}
	if len(c.steps) == 0 {
		c.logger.ErrorContext(ctx, "start ignored, no steps configured")
		return ErrInvalidTransition
	}

	now := c.timers.Now()
	c.state = State{
		Status:           StatusRunning,
		StepCount:        len(c.steps),
		StartedAt:        now,
		SessionID:        req.SessionID,
		PaymentReference: req.PaymentReference,
		Free:             req.Free,
	}
	c.deviceID = req.DeviceID
	c.completed = c.completed[:0]
	c.doors = 0

	c.commands.SendCommand(ctx, CmdStartCycle, map[string]interface{}{
		"sessionId": req.SessionID,
		"steps":     len(c.steps),
		"hardware":  map[string]interface{}{"esp32_commands": startCycleActions()},
	})
	c.metrics.RecordCycleStarted(ctx, req.Free)
	c.logger.InfoContext(ctx, "cycle started",
		slog.String("session_id", req.SessionID),
		slog.Bool("free", req.Free),
		slog.Int("steps", len(c.steps)),
	)

	c.beginStep(ctx, 0)
	after = append(after, c.stateChanged())
	return nil
}

// beginStep starts step i. Callers hold c.mu.
func (c *Controller) beginStep(ctx context.Context, i int) {
	step := c.steps[i]
	c.state.CurrentStepIndex = i
	c.state.StepName = step.Name
	c.state.StepTimeRemainingSeconds = int(step.Duration / time.Second)
	c.state.Settling = false

	c.commands.SendCommand(ctx, CmdStartStep, map[string]interface{}{
		"stepIndex": i,
		"stepName":  step.Name,
		"duration":  int(step.Duration / time.Second),
		"hardware": map[string]interface{}{
			"esp32_commands":   stepActions(i),
			"expected_sensors": ExpectedSensors(i),
		},
	})
	c.logger.InfoContext(ctx, "step started", slog.Int("step", i), slog.String("name", step.Name))
	c.armTick()
}

func (c *Controller) armTick() {
	c.timers.Every(tickTimer, c.tick, c.onTick)
}

func (c *Controller) onTick() {
	ctx := context.Background()
	var after []func()
	defer func() { run(after) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != StatusRunning || c.state.Settling {
		return
	}

	if c.state.StepTimeRemainingSeconds > 0 {
		c.state.StepTimeRemainingSeconds--
	}
	if c.state.StepTimeRemainingSeconds > 0 {
		after = append(after, c.stateChanged())
		return
	}

	c.timers.Cancel(tickTimer)
	i := c.state.CurrentStepIndex
	now := c.timers.Now()
	c.completed = append(c.completed, c.steps[i].Name)
	c.commands.SendCommand(ctx, CmdCompleteStep, map[string]interface{}{
		"stepIndex":   i,
		"completedAt": now.UnixMilli(),
		"hardware": map[string]interface{}{
			"esp32_commands":        cleanupActions(i, now),
			"sensors_final_reading": true,
		},
	})
	c.logger.InfoContext(ctx, "step completed", slog.Int("step", i), slog.String("name", c.steps[i].Name))

	if i == len(c.steps)-1 {
		after = append(after, c.complete(ctx, now)...)
		return
	}

	c.state.Settling = true
	c.armSettle()
	after = append(after, c.stateChanged())
}

func (c *Controller) armSettle() {
	c.timers.After(settleTimer, c.settle, func() {
		var after []func()
		defer func() { run(after) }()
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.state.Status != StatusRunning || !c.state.Settling {
			return
		}
		c.beginStep(context.Background(), c.state.CurrentStepIndex+1)
		after = append(after, c.stateChanged())
	})
}

// complete finishes the cycle. Callers hold c.mu.
func (c *Controller) complete(ctx context.Context, now time.Time) []func() {
	c.cancelTimers()
	c.state.Status = StatusCompleted
	c.state.Settling = false
	c.state.StepTimeRemainingSeconds = 0

	report := UsageReport{
		SessionID:        c.state.SessionID,
		DeviceID:         c.deviceID,
		PaymentReference: c.state.PaymentReference,
		Free:             c.state.Free,
		StartedAt:        c.state.StartedAt,
		EndedAt:          now,
		Duration:         now.Sub(c.state.StartedAt),
		StepCount:        len(c.completed),
		Steps:            append([]string(nil), c.completed...),
		DoorInterrupts:   c.doors,
	}
	c.metrics.RecordCycleOutcome(ctx, true, report.Free, report.Duration)
	c.logger.InfoContext(ctx, "cycle completed",
		slog.String("session_id", report.SessionID),
		slog.Duration("duration", report.Duration),
		slog.Int("door_interrupts", report.DoorInterrupts),
	)

	h := c.handlers.OnCompleted
	return []func(){c.stateChanged(), func() {
		if h != nil {
			h(report)
		}
	}}
}

// PauseByDoorSensor halts the step timer, keeping the remaining time.
// Pausing a paused cycle is a no-op.
func (c *Controller) PauseByDoorSensor(ctx context.Context) error {
	var after []func()
	defer func() { run(after) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Status {
	case StatusPaused:
		return nil
	case StatusRunning:
	default:
		c.logger.DebugContext(ctx, "door pause ignored", slog.String("status", string(c.state.Status)))
		return ErrInvalidTransition
	}

	c.cancelTimers()
	c.state.Status = StatusPaused
	c.doors++
	c.commands.SendCommand(ctx, CmdDoorOpened, map[string]interface{}{
		"timestamp": c.timers.Now().UnixMilli(),
		"reason":    "sensor_triggered",
		"hardware":  map[string]interface{}{"esp32_commands": doorActions(true)},
	})
	c.metrics.RecordDoorInterrupt(ctx)
	c.logger.WarnContext(ctx, "cycle paused by door sensor",
		slog.Int("step", c.state.CurrentStepIndex),
		slog.Int("remaining_seconds", c.state.StepTimeRemainingSeconds),
	)
	after = append(after, c.stateChanged())
	return nil
}

// ResumeByDoorSensor continues from the preserved remaining time.
func (c *Controller) ResumeByDoorSensor(ctx context.Context) error {
	var after []func()
	defer func() { run(after) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != StatusPaused {
		c.logger.DebugContext(ctx, "door resume ignored", slog.String("status", string(c.state.Status)))
		return ErrInvalidTransition
	}

	c.state.Status = StatusRunning
	c.commands.SendCommand(ctx, CmdDoorClosed, map[string]interface{}{
		"timestamp": c.timers.Now().UnixMilli(),
		"reason":    "sensor_triggered",
		"hardware":  map[string]interface{}{"esp32_commands": doorActions(false)},
	})
	if c.state.Settling {
		c.armSettle()
	} else {
		c.armTick()
	}
	c.logger.InfoContext(ctx, "cycle resumed",
		slog.Int("step", c.state.CurrentStepIndex),
		slog.Int("remaining_seconds", c.state.StepTimeRemainingSeconds),
	)
	after = append(after, c.stateChanged())
	return nil
}

// ForceStop aborts a running or paused cycle and returns to idle. Timers
// are cancelled before anything else happens.
func (c *Controller) ForceStop(ctx context.Context, reason string) error {
	var after []func()
	defer func() { run(after) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Active() {
		c.logger.DebugContext(ctx, "force stop ignored", slog.String("status", string(c.state.Status)))
		return ErrInvalidTransition
	}
	c.cancelTimers()

	now := c.timers.Now()
	report := AbortReport{
		SessionID: c.state.SessionID,
		DeviceID:  c.deviceID,
		Reason:    reason,
		StepIndex: c.state.CurrentStepIndex,
		StepName:  c.state.StepName,
		StartedAt: c.state.StartedAt,
		StoppedAt: now,
		Free:      c.state.Free,
	}
	c.state.Status = StatusForceStopped
	c.commands.SendCommand(ctx, CmdEmergencyStop, map[string]interface{}{
		"timestamp": now.UnixMilli(),
		"reason":    reason,
		"hardware":  map[string]interface{}{"esp32_commands": emergencyActions(now)},
	})
	c.metrics.RecordCycleOutcome(ctx, false, report.Free, now.Sub(report.StartedAt))
	c.logger.WarnContext(ctx, "cycle force stopped",
		slog.String("reason", reason),
		slog.String("session_id", report.SessionID),
		slog.Int("step", report.StepIndex),
	)

	c.state = State{Status: StatusIdle, StepCount: len(c.steps)}
	h := c.handlers.OnForceStopped
	after = append(after, c.stateChanged(), func() {
		if h != nil {
			h(report)
		}
	})
	return nil
}

// Reset returns a completed controller to idle.
func (c *Controller) Reset() error {
	var after []func()
	defer func() { run(after) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Status {
	case StatusIdle:
		return nil
	case StatusCompleted, StatusForceStopped:
		c.state = State{Status: StatusIdle, StepCount: len(c.steps)}
		after = append(after, c.stateChanged())
		return nil
	}
	return ErrCycleActive
}

// HandleTelemetry checks sensor readings against the current step. Readings
// the step does not expect are logged and otherwise ignored.
func (c *Controller) HandleTelemetry(ctx context.Context, r bridge.Reading) {
	if r.Kind != bridge.KindSensors {
		return
	}
	c.mu.Lock()
	active := c.state.Active()
	step := c.state.CurrentStepIndex
	c.mu.Unlock()
	if !active {
		return
	}

	expected := ExpectedSensors(step)
	for name := range r.Values {
		if !slices.Contains(expected, name) {
			c.logger.DebugContext(ctx, "unexpected sensor for step",
				slog.String("sensor", name),
				slog.Int("step", step),
			)
		}
	}
}

// Destroy cancels the controller timers.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimers()
}

func (c *Controller) cancelTimers() {
	c.timers.Cancel(tickTimer)
	c.timers.Cancel(settleTimer)
}

// stateChanged captures the state now and returns the notification to run
// after the lock is released. Callers hold c.mu.
func (c *Controller) stateChanged() func() {
	h := c.handlers.OnStateChange
	s := c.state
	return func() {
		if h != nil {
			h(s)
		}
	}
}

func run(fns []func()) {
	for _, f := range fns {
		f()
	}
}
