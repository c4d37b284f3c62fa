package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cleanhelmet/internal/config"
	apierrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/infrastructure"
)

// RoleAdmin is the only role accepted on the operator surface.
const RoleAdmin = "admin"

type adminKey struct{}

// Claims is the operator token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth validates HS256 operator tokens.
type JWTAuth struct {
	secret []byte
	issuer string
	now    func() time.Time
	logger *slog.Logger
}

// NewJWTAuth fails when no signing secret is configured.
func NewJWTAuth(cfg config.AdminConfig, logger *slog.Logger) (*JWTAuth, error) {
	if cfg.JWTSecret == "" {
		return nil, apierrors.NewConfigError("admin JWT secret is not set", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuth{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		now:    time.Now,
		logger: logger.With(slog.String("component", "admin_auth")),
	}, nil
}

// Issue signs an admin token for subject valid for ttl.
func (a *JWTAuth) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses token and checks signature, issuer, expiry and role.
func (a *JWTAuth) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Role != RoleAdmin {
		return claims, errForbiddenRole
	}
	return claims, nil
}

var errForbiddenRole = errors.New("token lacks admin role")

// Handler rejects requests without a valid bearer token.
func (a *JWTAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, ok := bearerToken(r)
		if !ok {
			a.logger.WarnContext(ctx, "missing or malformed authorization header",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			apierrors.WriteError(w, apierrors.ErrUnauthorized)
			return
		}

		claims, err := a.Validate(token)
		if errors.Is(err, errForbiddenRole) {
			a.logger.WarnContext(ctx, "token without admin role",
				slog.String("subject", claims.Subject),
				slog.String("path", r.URL.Path),
			)
			apierrors.WriteError(w, apierrors.ErrForbidden)
			return
		}
		if err != nil {
			a.logger.WarnContext(ctx, "authentication failed",
				slog.String("error", err.Error()),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			apierrors.WriteError(w, apierrors.ErrUnauthorized)
			return
		}

		ctx = context.WithValue(ctx, adminKey{}, claims)
		infrastructure.LoggerWithContext(ctx).DebugContext(ctx, "admin authenticated",
			slog.String("subject", claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminFromContext returns the claims of the authenticated operator.
func AdminFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(adminKey{}).(*Claims)
	return c, ok
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
