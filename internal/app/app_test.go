package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanhelmet/internal/bridge"
	"cleanhelmet/internal/config"
	"cleanhelmet/internal/infrastructure"
	customMiddleware "cleanhelmet/internal/middleware"
	"cleanhelmet/internal/remote"
	"cleanhelmet/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Connectivity.ProbeURL = "http://127.0.0.1:1/"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	logger := infrastructure.NewLogger(io.Discard, "error")
	app, err := newApplication(context.Background(), cfg, true, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop(context.Background()) })
	return app
}

func do(t *testing.T, app *Application, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := Lookup[*remote.RedisSink](r)
	assert.False(t, ok)

	rec := bridge.NewRecorder()
	Provide(r, rec)
	got, ok := Lookup[*bridge.Recorder](r)
	require.True(t, ok)
	assert.Same(t, rec, got)

	// interface and concrete registrations are distinct
	_, ok = Lookup[bridge.Bridge](r)
	assert.False(t, ok)
	Provide[bridge.Bridge](r, rec)
	assert.Equal(t, 2, r.Len())

	assert.Panics(t, func() { MustLookup[*remote.SheetsSink](r) })
	assert.NotPanics(t, func() { MustLookup[bridge.Bridge](r) })
}

func TestNewApplicationWiresDurableStore(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg)

	require.NotNil(t, app.Services)
	assert.FileExists(t, cfg.DatabasePath())
	_, isGorm := app.Store.(*store.GormStore)
	assert.True(t, isGorm)

	salt, err := app.Store.GetConfig(context.Background(), store.KeySealSalt)
	require.NoError(t, err)
	assert.Len(t, salt, 32)

	// demo mode never dials the broker
	_, isNull := app.Services.Bridge.(*bridge.NullBridge)
	assert.True(t, isNull)
	_, ok := Lookup[*bridge.MQTTBridge](app.Optional)
	assert.False(t, ok)
	assert.Equal(t, 0, app.Services.Sink.Len())
}

func TestSealSaltSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	first := newTestApp(t, cfg)
	salt, err := first.Store.GetConfig(context.Background(), store.KeySealSalt)
	require.NoError(t, err)
	require.NoError(t, first.Stop(context.Background()))

	second := newTestApp(t, cfg)
	again, err := second.Store.GetConfig(context.Background(), store.KeySealSalt)
	require.NoError(t, err)
	assert.Equal(t, salt, again)
}

func TestHealthRoutes(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	tests := []struct {
		path   string
		status int
		field  string
		want   string
	}{
		{"/api/health", http.StatusOK, "status", "ok"},
		{"/api/health/live", http.StatusOK, "status", "alive"},
		{"/api/version", http.StatusOK, "version", VERSION},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, app, http.MethodGet, tt.path, "", nil)
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, decodeBody(t, rec)[tt.field])
			assert.NotEmpty(t, rec.Header().Get(customMiddleware.RequestIDHeader))
		})
	}

	// offline remote and missing hardware degrade but do not fail readiness
	rec := do(t, app, http.MethodGet, "/api/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	svcs := body["services"].(map[string]interface{})
	assert.Equal(t, "ready", svcs["store"].(map[string]interface{})["status"])
	assert.Equal(t, "degraded", svcs["hardware"].(map[string]interface{})["status"])
}

func TestUnknownRouteUsesErrorHandler(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	rec := do(t, app, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, app, http.MethodDelete, "/api/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFreeCycleThroughRouter(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	rec := do(t, app, http.MethodPost, "/api/kiosk/session", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	device := decodeBody(t, rec)
	id := device["device_id"].(string)
	require.NotEmpty(t, id)

	rec = do(t, app, http.MethodPost, "/api/kiosk/start", "{}", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decodeBody(t, rec)
	assert.Equal(t, id, started["device_id"])
	assert.Equal(t, true, started["free"])

	rec = do(t, app, http.MethodPost, "/api/kiosk/start", "{}", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, app, http.MethodGet, "/api/kiosk/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.EqualValues(t, 1, status["free_cycles_today"])
	assert.Equal(t, false, status["session_only"])

	rec = do(t, app, http.MethodPost, "/api/kiosk/stop", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestForwardedForIsIgnoredWithoutTrustedProxy(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	var device map[string]interface{}
	for i := 0; i < 10; i++ {
		spoofed := http.Header{"X-Forwarded-For": {fmt.Sprintf("10.9.0.%d", i+1)}}
		rec := do(t, app, http.MethodPost, "/api/kiosk/session", "", spoofed)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		device = decodeBody(t, rec)
	}
	assert.Equal(t, false, device["is_blocked"])

	rec, err := app.Services.Devices.Get(context.Background(), device["device_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, rec.IPHistory)
	assert.Zero(t, rec.SuspiciousActivityCount)
}

func TestDegradedStoreRejectsAsMissing(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.Paths.DataDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.Paths.DatabaseFile = filepath.Join(blocker, "kiosk.db")

	app := newTestApp(t, cfg)
	_, ok := app.Store.(store.Unavailable)
	require.True(t, ok)

	rec := do(t, app, http.MethodPost, "/api/kiosk/start", `{"device_id":"CH_offline"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	details := decodeBody(t, rec)["error"].(map[string]interface{})["details"].(map[string]interface{})
	assert.Equal(t, "missing", details["reason"])

	rec = do(t, app, http.MethodGet, "/api/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := os.Stat(cfg.CookiePath())
	assert.True(t, os.IsNotExist(err), "no cookie is written without a durable store")
}

func TestAdminRoutes(t *testing.T) {
	t.Run("disabled without secret", func(t *testing.T) {
		app := newTestApp(t, testConfig(t))
		rec := do(t, app, http.MethodGet, "/api/admin/devices/CH_1", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("jwt protected", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Admin.JWTSecret = "operator-secret"
		app := newTestApp(t, cfg)

		rec := do(t, app, http.MethodPost, "/api/kiosk/session", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		id := decodeBody(t, rec)["device_id"].(string)

		rec = do(t, app, http.MethodGet, "/api/admin/devices/"+id, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		auth, err := customMiddleware.NewJWTAuth(cfg.Admin, nil)
		require.NoError(t, err)
		token, err := auth.Issue("ops", time.Minute)
		require.NoError(t, err)
		bearer := http.Header{"Authorization": {"Bearer " + token}}

		rec = do(t, app, http.MethodGet, "/api/admin/devices/"+id, "", bearer)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, id, decodeBody(t, rec)["device_id"])

		rec = do(t, app, http.MethodPost, "/api/admin/devices/"+id+"/block", "", bearer)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, true, decodeBody(t, rec)["is_blocked"])

		rec = do(t, app, http.MethodGet, "/api/admin/activity/export?format=csv", "", bearer)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ADMIN_BLOCK")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.MetricExporter = "prometheus"
	app := newTestApp(t, cfg)

	rec := do(t, app, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, app, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_server_requests")
}

func TestStopIsIdempotent(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	app.Start(context.Background())
	assert.Contains(t, app.Timers.Names(), archiveTimer)

	require.NoError(t, app.Stop(context.Background()))
	require.NoError(t, app.Stop(context.Background()))
	assert.Empty(t, app.Timers.Names())
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	app := newTestApp(t, cfg)
	app.Server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
