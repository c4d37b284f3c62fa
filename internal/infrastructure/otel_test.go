package infrastructure

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanhelmet/internal/config"
)

func TestInitializeOTel(t *testing.T) {
	logger := NewLogger(&bytes.Buffer{}, "error")

	t.Run("disabled exporters", func(t *testing.T) {
		p, err := InitializeOTel(config.TelemetryConfig{TraceExporter: "none", MetricExporter: "none"}, logger)
		require.NoError(t, err)
		assert.Nil(t, p.MeterProvider)
		assert.Nil(t, p.PrometheusHTTP)
		assert.NotNil(t, p.Meter)
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("prometheus", func(t *testing.T) {
		p, err := InitializeOTel(config.TelemetryConfig{TraceExporter: "none", MetricExporter: "prometheus"}, logger)
		require.NoError(t, err)
		assert.NotNil(t, p.MeterProvider)
		assert.NotNil(t, p.PrometheusHTTP)

		m, err := NewKioskMetrics(p.Meter)
		require.NoError(t, err)
		m.RecordCycleOutcome(context.Background(), true, true, 300*time.Second)
		m.RecordDecision(context.Background(), "allowed")
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := InitializeOTel(config.TelemetryConfig{TraceExporter: "otlp"}, logger)
		assert.Error(t, err)
	})
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *KioskMetrics
	assert.NotPanics(t, func() {
		m.RecordCycleOutcome(context.Background(), false, false, time.Second)
		m.RecordDecision(context.Background(), "blocked")
		m.RecordSecurityEvent(context.Background(), "fingerprint_change")
		m.RecordCycleStarted(context.Background(), true)
		m.RecordDoorInterrupt(context.Background())
		m.RecordQueueDepth(context.Background(), 2)
		m.RecordSyncOutcome(context.Background(), false, "retries_exhausted")
	})
	assert.NotNil(t, NoopKioskMetrics())
}
