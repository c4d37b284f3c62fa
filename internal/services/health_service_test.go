package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadinessCheck(t *testing.T) {
	online := false
	hs := NewHealthService("1.2.0", "", map[string]HealthProbe{
		"remote": BoolProbe(func() bool { return online }, "offline"),
		"store":  ErrorProbe(func(context.Context) error { return nil }),
	}, nil)

	st := hs.ReadinessCheck(context.Background())
	assert.Equal(t, Ready, st.Status, "degraded dependencies keep the kiosk ready")
	assert.Equal(t, "degraded", st.Services["remote"].Status)
	assert.Equal(t, "offline", st.Services["remote"].Message)

	online = true
	st = hs.ReadinessCheck(context.Background())
	assert.Equal(t, Ready, st.Services["remote"].Status)

	hs.probes["store"] = ErrorProbe(func(context.Context) error { return errors.New("disk full") })
	st = hs.ReadinessCheck(context.Background())
	assert.Equal(t, "not_ready", st.Status)
	assert.Equal(t, "disk full", st.Services["store"].Message)
}

func TestLivenessAndVersion(t *testing.T) {
	hs := NewHealthService("1.2.0", "2026-03-01", nil, nil)

	live := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", live.Status)
	assert.Contains(t, live.Runtime, "goroutines")

	v := hs.Version()
	assert.Equal(t, "1.2.0", v["version"])
	assert.Equal(t, "2026-03-01", v["build_time"])
	assert.Equal(t, "ok", hs.HealthCheck(context.Background()).Status)
}
