package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// HealthProbe reports the health of one dependency.
type HealthProbe func(ctx context.Context) ServiceHealth

// HealthService provides health check functionality
type HealthService struct {
	version   string
	buildTime string
	probes    map[string]HealthProbe
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Ready is the status of a healthy dependency.
const Ready = "ready"

// NewHealthService creates a health service. Probes are keyed by the
// dependency name reported in readiness output.
func NewHealthService(version, buildTime string, probes map[string]HealthProbe, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		probes:    probes,
		startTime: time.Now(),
		logger:    logger.With(slog.String("component", "health_service")),
	}
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// ReadinessCheck runs every probe. Degraded dependencies (offline remote,
// missing hardware link) do not make the kiosk unready; a failed probe does.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    Ready,
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]ServiceHealth, len(hs.probes)),
	}
	for name, probe := range hs.probes {
		h := probe(ctx)
		status.Services[name] = h
		if h.Status == "error" {
			status.Status = "not_ready"
		}
	}
	if status.Status != Ready {
		hs.logger.WarnContext(ctx, "readiness check failed", slog.Any("services", status.Services))
	}
	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

// BoolProbe adapts a flag into a probe that reports "degraded" when false.
func BoolProbe(up func() bool, downMessage string) HealthProbe {
	return func(context.Context) ServiceHealth {
		if up() {
			return ServiceHealth{Status: Ready}
		}
		return ServiceHealth{Status: "degraded", Message: downMessage}
	}
}

// ErrorProbe adapts a check into a probe that reports "error" on failure.
func ErrorProbe(check func(ctx context.Context) error) HealthProbe {
	return func(ctx context.Context) ServiceHealth {
		if err := check(ctx); err != nil {
			return ServiceHealth{Status: "error", Message: err.Error()}
		}
		return ServiceHealth{Status: Ready}
	}
}
