package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"3tcapital/auditharvest/internal/infrastructure/config"
	httperrors "3tcapital/auditharvest/internal/infrastructure/http"
)

// ContextKeyToken exposes the verified JWT token via request context.
type ContextKeyToken struct{}

var validMethods = []string{
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(),
	jwt.SigningMethodES256.Alg(),
}

// JWTAuthenticator guards the status API. Tokens are verified against a
// remote JWKS that is refreshed in the background.
type JWTAuthenticator struct {
	cfg        config.AuthSettings
	log        *slog.Logger
	keys       jwt.Keyfunc
	cancel     context.CancelFunc
	bypassPath map[string]struct{}
}

// NewJWTAuthenticator loads the JWKS when auth is enabled.
func NewJWTAuthenticator(cfg config.AuthSettings, log *slog.Logger) (*JWTAuthenticator, error) {
	auth := newAuthenticator(cfg, log)
	if !cfg.Enabled {
		return auth, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	override := keyfunc.Override{
		RefreshInterval: 6 * time.Hour,
		RefreshErrorHandlerFunc: func(url string) func(context.Context, error) {
			return func(_ context.Context, err error) {
				auth.log.Error("JWKS refresh failed", "url", url, "error", err)
			}
		},
		HTTPTimeout: 10 * time.Second,
	}

	jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{cfg.JWKSetURI}, override)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("unable to load JWKS: %w", err)
	}
	auth.keys = jwks.Keyfunc
	auth.cancel = cancel
	return auth, nil
}

// NewStaticJWTAuthenticator verifies tokens with a fixed key function instead of a JWKS.
func NewStaticJWTAuthenticator(cfg config.AuthSettings, log *slog.Logger, keys jwt.Keyfunc) *JWTAuthenticator {
	auth := newAuthenticator(cfg, log)
	auth.keys = keys
	return auth
}

func newAuthenticator(cfg config.AuthSettings, log *slog.Logger) *JWTAuthenticator {
	if log == nil {
		log = slog.Default()
	}
	auth := &JWTAuthenticator{
		cfg:        cfg,
		log:        log,
		bypassPath: make(map[string]struct{}, len(cfg.BypassPaths)),
	}
	for _, path := range cfg.BypassPaths {
		if path != "" {
			auth.bypassPath[path] = struct{}{}
		}
	}
	return auth
}

// Middleware enforces JWT validation on inbound requests.
func (a *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	if !a.cfg.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.shouldBypass(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			a.reject(w, err.Error())
			return
		}

		token, err := jwt.Parse(raw, a.keys,
			jwt.WithIssuer(a.cfg.IssuerURI),
			jwt.WithLeeway(a.cfg.ClockSkew),
			jwt.WithValidMethods(validMethods),
		)
		if err != nil || !token.Valid {
			a.log.Warn("Status API token rejected", "error", err, "path", r.URL.Path)
			a.reject(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyToken{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// reject answers 401 with a bearer challenge.
func (a *JWTAuthenticator) reject(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="auditharvest"`)
	httperrors.WriteError(w, http.StatusUnauthorized, "Authentication failed", []string{detail}, a.log)
}

// Close stops background JWKS refreshers.
func (a *JWTAuthenticator) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *JWTAuthenticator) shouldBypass(path string) bool {
	_, ok := a.bypassPath[path]
	return ok
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errors.New("invalid Authorization header format")
	}
	return token, nil
}
