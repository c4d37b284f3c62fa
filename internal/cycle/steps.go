package cycle

import (
	"time"

	"cleanhelmet/internal/bridge"
	"cleanhelmet/internal/config"
)

// Step is one timed treatment phase.
type Step struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// StepsFromConfig converts configured steps.
func StepsFromConfig(cfg []config.StepConfig) []Step {
	steps := make([]Step, len(cfg))
	for i, s := range cfg {
		steps[i] = Step{Name: s.Name, Duration: s.Duration}
	}
	return steps
}

// Hardware command names.
const (
	CmdStartCycle    = "start_cycle"
	CmdStartStep     = "start_step"
	CmdCompleteStep  = "complete_step"
	CmdEmergencyStop = "emergency_stop"
	CmdDoorOpened    = "door_opened"
	CmdDoorClosed    = "door_closed"
)

// Sensor names reported by the controller board.
const (
	SensorDoor        = "door_sensor"
	SensorTemperature = "temperature"
	SensorHumidity    = "humidity"
	SensorOzone       = "ozone_level"
	SensorAirFlow     = "air_flow"
	SensorUV          = "uv_intensity"
	SensorFragrance   = "fragrance_level"
)

func relay(name string, on bool) bridge.Action {
	return bridge.Action{"action": "activate_relay", "relay": name, "state": on}
}

func fan(name, speed string) bridge.Action {
	return bridge.Action{"action": "set_fan_speed", "fan": name, "speed": speed}
}

func monitor(sensors ...string) bridge.Action {
	return bridge.Action{"action": "monitor_sensors", "sensors": sensors}
}

func logAction(name string, at time.Time) bridge.Action {
	return bridge.Action{"action": name, "timestamp": at.UnixMilli()}
}

// startCycleActions powers the chamber before the first step.
func startCycleActions() []bridge.Action {
	return []bridge.Action{
		relay("main_power", true),
		{"action": "read_sensors", "sensors": []string{"door", SensorTemperature, SensorHumidity}},
		{"action": "start_ventilation", "speed": "medium"},
	}
}

// stepActions returns the board instructions for step i. Steps beyond the
// built-in program get none.
func stepActions(i int) []bridge.Action {
	switch i {
	case 0: // ozone sanitization
		return []bridge.Action{relay("ozone_generator", true), fan("circulation", "high"), monitor(SensorOzone, SensorTemperature)}
	case 1: // neutralization and cooling
		return []bridge.Action{relay("ozone_generator", false), relay("cooling_fan", true), fan("exhaust", "high")}
	case 2: // UV
		return []bridge.Action{relay("uv_lamps", true), monitor(SensorUV, SensorTemperature), fan("circulation", "low")}
	case 3: // deodorization
		return []bridge.Action{relay("fragrance_pump", true), relay("uv_lamps", false), fan("circulation", "medium")}
	}
	return nil
}

// cleanupActions runs when step i completes.
func cleanupActions(i int, at time.Time) []bridge.Action {
	switch i {
	case 0:
		return []bridge.Action{logAction("log_ozone_levels", at)}
	case 1:
		return []bridge.Action{logAction("log_temperature_drop", at)}
	case 2:
		return []bridge.Action{logAction("log_uv_exposure_time", at)}
	case 3:
		return []bridge.Action{relay("fragrance_pump", false), logAction("log_fragrance_usage", at)}
	}
	return nil
}

func emergencyActions(at time.Time) []bridge.Action {
	return []bridge.Action{
		relay("all_relays", false),
		{"action": "emergency_ventilation", "duration": 30},
		logAction("log_emergency_stop", at),
	}
}

func doorActions(open bool) []bridge.Action {
	if open {
		return []bridge.Action{{"action": "pause_all_processes"}, {"action": "activate_safety_mode"}, {"action": "log_door_event", "event": "opened"}}
	}
	return []bridge.Action{{"action": "resume_processes"}, {"action": "deactivate_safety_mode"}, {"action": "log_door_event", "event": "closed"}}
}

// ExpectedSensors lists the sensors step i is supposed to report.
func ExpectedSensors(i int) []string {
	switch i {
	case 0:
		return []string{SensorOzone, SensorDoor, SensorTemperature, SensorHumidity}
	case 1:
		return []string{SensorTemperature, SensorDoor, SensorAirFlow}
	case 2:
		return []string{SensorUV, SensorTemperature, SensorDoor}
	case 3:
		return []string{SensorFragrance, SensorTemperature, SensorDoor, SensorHumidity}
	}
	return []string{SensorDoor, SensorTemperature}
}
