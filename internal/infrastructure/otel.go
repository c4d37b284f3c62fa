package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"cleanhelmet/internal/config"
)

const (
	ServiceName    = "clean-helmet-kiosk"
	ServiceVersion = "1.0.0"
	MeterName      = "cleanhelmet"
)

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// InitializeOTel wires tracing and metrics according to cfg.
// With both exporters set to "none" the returned providers use no-op meters.
func InitializeOTel(cfg config.TelemetryConfig, logger *slog.Logger) (*OTelProviders, error) {
	ctx := context.Background()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(ServiceVersion),
		attribute.String("service.instance.id", instanceID()),
	)

	providers := &OTelProviders{
		Logger: logger,
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		providers.TracerProvider = tp
		otel.SetTracerProvider(tp)
	case "none", "":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}
	providers.Tracer = otel.Tracer(MeterName)

	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(ServiceVersion))
		providers.PrometheusHTTP = promhttp.Handler()
		otel.SetMeterProvider(mp)
	case "none", "":
	default:
		return nil, fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "OpenTelemetry initialized",
		slog.String("trace_exporter", cfg.TraceExporter),
		slog.String("metric_exporter", cfg.MetricExporter))

	return providers, nil
}

// Shutdown flushes and stops the providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}
	return nil
}

// KioskMetrics holds the business counters recorded by the kiosk services.
type KioskMetrics struct {
	CyclesStarted       metric.Int64Counter
	CyclesCompleted     metric.Int64Counter
	CyclesForceStopped  metric.Int64Counter
	DoorInterrupts      metric.Int64Counter
	CycleDuration       metric.Float64Histogram
	EntitlementDecision metric.Int64Counter
	SyncQueueDepth      metric.Int64UpDownCounter
	SyncDelivered       metric.Int64Counter
	SyncDropped         metric.Int64Counter
	SecurityEvents      metric.Int64Counter
}

// NewKioskMetrics registers the kiosk instruments on meter.
func NewKioskMetrics(meter metric.Meter) (*KioskMetrics, error) {
	m := &KioskMetrics{}
	var err error

	if m.CyclesStarted, err = meter.Int64Counter("kiosk_cycles_started_total",
		metric.WithDescription("Disinfection cycles started")); err != nil {
		return nil, err
	}
	if m.CyclesCompleted, err = meter.Int64Counter("kiosk_cycles_completed_total",
		metric.WithDescription("Disinfection cycles that ran every step")); err != nil {
		return nil, err
	}
	if m.CyclesForceStopped, err = meter.Int64Counter("kiosk_cycles_force_stopped_total",
		metric.WithDescription("Cycles terminated before completion")); err != nil {
		return nil, err
	}
	if m.DoorInterrupts, err = meter.Int64Counter("kiosk_door_interrupts_total",
		metric.WithDescription("Pauses caused by the door sensor")); err != nil {
		return nil, err
	}
	if m.CycleDuration, err = meter.Float64Histogram("kiosk_cycle_duration_seconds",
		metric.WithDescription("Wall-clock duration of completed cycles"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.EntitlementDecision, err = meter.Int64Counter("kiosk_entitlement_decisions_total",
		metric.WithDescription("Free-cycle decisions by reason")); err != nil {
		return nil, err
	}
	if m.SyncQueueDepth, err = meter.Int64UpDownCounter("kiosk_sync_queue_depth",
		metric.WithDescription("Items waiting in the store-and-forward queue")); err != nil {
		return nil, err
	}
	if m.SyncDelivered, err = meter.Int64Counter("kiosk_sync_delivered_total",
		metric.WithDescription("Queue items delivered to the remote store")); err != nil {
		return nil, err
	}
	if m.SyncDropped, err = meter.Int64Counter("kiosk_sync_dropped_total",
		metric.WithDescription("Queue items discarded after exhausting retries or overflow")); err != nil {
		return nil, err
	}
	if m.SecurityEvents, err = meter.Int64Counter("kiosk_security_events_total",
		metric.WithDescription("Fingerprint changes, origin floods and tamper detections")); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopKioskMetrics returns instruments that record nothing.
func NoopKioskMetrics() *KioskMetrics {
	m, _ := NewKioskMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// RecordCycleOutcome records a finished cycle.
func (m *KioskMetrics) RecordCycleOutcome(ctx context.Context, completed bool, free bool, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("free", free))
	if completed {
		m.CyclesCompleted.Add(ctx, 1, attrs)
		m.CycleDuration.Record(ctx, duration.Seconds(), attrs)
		return
	}
	m.CyclesForceStopped.Add(ctx, 1, attrs)
}

// RecordCycleStarted counts a started cycle.
func (m *KioskMetrics) RecordCycleStarted(ctx context.Context, free bool) {
	if m == nil {
		return
	}
	m.CyclesStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("free", free)))
}

// RecordDoorInterrupt counts a door-sensor pause.
func (m *KioskMetrics) RecordDoorInterrupt(ctx context.Context) {
	if m == nil {
		return
	}
	m.DoorInterrupts.Add(ctx, 1)
}

// RecordQueueDepth adjusts the queue depth gauge by delta.
func (m *KioskMetrics) RecordQueueDepth(ctx context.Context, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.SyncQueueDepth.Add(ctx, int64(delta))
}

// RecordSyncOutcome counts a delivered or dropped queue item.
func (m *KioskMetrics) RecordSyncOutcome(ctx context.Context, delivered bool, reason string) {
	if m == nil {
		return
	}
	if delivered {
		m.SyncDelivered.Add(ctx, 1)
		return
	}
	m.SyncDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDecision counts an entitlement outcome.
func (m *KioskMetrics) RecordDecision(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.EntitlementDecision.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSecurityEvent counts a suspicious signal by kind.
func (m *KioskMetrics) RecordSecurityEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.SecurityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func instanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}
