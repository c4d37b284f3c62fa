package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanhelmet/internal/config"
	"cleanhelmet/internal/infrastructure"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequestID(t *testing.T) {
	var seen, trace string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetReqID(r.Context())
		trace = infrastructure.GetTraceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, trace)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc-123", seen)
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, discardLogger())
	h := rl.Handler(noContent)

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:5000"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:5002"))
	// a different client has its own bucket
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:5000"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(noContent).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func newAuth(t *testing.T) *JWTAuth {
	t.Helper()
	a, err := NewJWTAuth(config.AdminConfig{JWTSecret: "s3cret", Issuer: "clean-helmet"}, discardLogger())
	require.NoError(t, err)
	return a
}

func TestNewJWTAuthRequiresSecret(t *testing.T) {
	_, err := NewJWTAuth(config.AdminConfig{}, discardLogger())
	assert.Error(t, err)
}

func TestJWTAuthHandler(t *testing.T) {
	a := newAuth(t)
	valid, err := a.Issue("operator", time.Hour)
	require.NoError(t, err)
	expired, err := a.Issue("operator", -time.Minute)
	require.NoError(t, err)

	other, err := NewJWTAuth(config.AdminConfig{JWTSecret: "other", Issuer: "clean-helmet"}, discardLogger())
	require.NoError(t, err)
	foreign, err := other.Issue("operator", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewJWTAuth(config.AdminConfig{JWTSecret: "s3cret", Issuer: "someone-else"}, discardLogger())
	require.NoError(t, err)
	badIss, err := wrongIssuer.Issue("operator", time.Hour)
	require.NoError(t, err)

	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "clean-helmet",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "clean-helmet", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusNoContent},
		{"lowercase scheme", "bearer " + valid, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"foreign key", "Bearer " + foreign, http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + badIss, http.StatusUnauthorized},
		{"unsigned", "Bearer " + none, http.StatusUnauthorized},
		{"viewer role", "Bearer " + viewer, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject string
			h := a.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c, ok := AdminFromContext(r.Context())
				require.True(t, ok)
				subject = c.Subject
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/admin/devices/x/block", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "operator", subject)
			}
		})
	}
}

func TestOTelMiddlewareRecordsRoute(t *testing.T) {
	providers, err := infrastructure.InitializeOTel(config.TelemetryConfig{TraceExporter: "none", MetricExporter: "none"}, discardLogger())
	require.NoError(t, err)
	m, err := NewOTelMiddleware(providers)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/api/admin/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/devices/CH_1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
