package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"escrowline/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	// EnableDevLogin exposes POST /auth/dev/login, which mints tokens for any actor.
	EnableDevLogin bool
	Logger         *slog.Logger
}

// Principal is the authenticated caller. Source is jwt, api_key or legacy_header.
type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

var (
	errUnauthenticated    = newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	errInvalidCredentials = newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
)

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ActorID != ""
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return "", errUnauthenticated
	}
	return p.ActorID, nil
}

// SignToken mints an HS256 token for actor valid for ttl.
func SignToken(secret, actor string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   actor,
		Issuer:    "escrowline",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type authenticator struct {
	cfg    AuthConfig
	repo   repo.Repo
	log    *slog.Logger
	public map[string]bool
}

func newAuthenticator(basePath string, cfg AuthConfig, r repo.Repo) *authenticator {
	a := &authenticator{cfg: cfg, repo: r, log: cfg.Logger, public: map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}}
	if a.log == nil {
		a.log = slog.Default()
	}
	if cfg.EnableDevLogin {
		a.public[path.Join(basePath, "auth/dev/login")] = true
	}
	return a
}

// resolve picks the first credential present: bearer token, then API key,
// then the legacy actor header when allowed. A credential that is present
// but invalid never falls through to the next one.
func (a *authenticator) resolve(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return Principal{}, errInvalidCredentials
		}
		sub, err := a.verifyToken(strings.TrimSpace(token))
		if err != nil {
			a.log.Debug("bearer token rejected", "error", err)
			return Principal{}, errInvalidCredentials
		}
		return Principal{ActorID: sub, Source: "jwt"}, nil
	}
	if secret := strings.TrimSpace(req.Header.Get("X-Api-Key")); secret != "" {
		key, err := a.repo.ActiveAPIKey(req.Context(), repo.HashAPIKey(secret))
		if err != nil {
			return Principal{}, errInvalidCredentials
		}
		return Principal{ActorID: key.ActorID, Source: "api_key"}, nil
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.log.Warn("legacy X-Actor-Id header used without credentials", "actor_id", actor)
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}
	return Principal{}, errUnauthenticated
}

func (a *authenticator) verifyToken(token string) (string, error) {
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

// middleware guards everything under basePath except the public routes.
func (a *authenticator) middleware(basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || a.public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, authErr := a.resolve(req)
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), principalKey{}, p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
