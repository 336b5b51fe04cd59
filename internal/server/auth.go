package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"mendline/internal/domain"
	"mendline/internal/repo"
)

const (
	AuthNone  = "none"
	AuthToken = "token"

	webhookSecretHeader = "X-Mendline-Webhook-Secret"
)

type AuthConfig struct {
	// Mode is none (every caller is the local admin) or token.
	Mode          string
	JWTSecret     string
	WebhookSecret string
	// Permissions expands role names into permission names.
	Permissions func(roles []string) []string
	Logger      *slog.Logger
}

type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

// Can reports whether the principal holds perm, directly or through "*".
func (p Principal) Can(perm string) bool {
	return slices.Contains(p.Permissions, "*") || slices.Contains(p.Permissions, perm)
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c AuthConfig) expand(roles, extra []string) []string {
	var perms []string
	if c.Permissions != nil {
		perms = c.Permissions(roles)
	}
	for _, p := range extra {
		if !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	return perms
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// requirePermission returns the caller's audit actor when they hold perm.
func requirePermission(ctx context.Context, perm string) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !p.Can(perm) {
		return "", newAPIError(http.StatusForbidden, "forbidden", "missing permission "+perm, map[string]any{"permission": perm})
	}
	return actorFor(p), nil
}

func actorFor(p Principal) string {
	if p.Source == "webhook_secret" {
		return "webhook"
	}
	return domain.HumanActor(p.ActorID)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// SignToken mints an HS256 bearer token for actorID.
func SignToken(secret, actorID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			Issuer:   "mendline",
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, cfg AuthConfig) (Principal, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: cfg.expand(claims.Roles, claims.Permissions),
		Source:      "jwt",
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, cfg AuthConfig, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	roles := []string{apiKey.Role}
	return Principal{
		ActorID:     apiKey.ActorID,
		Roles:       roles,
		Permissions: cfg.expand(roles, nil),
		Source:      "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join("/", basePath, "healthz"):      true,
		path.Join("/", basePath, "openapi.json"): true,
		path.Join("/", basePath, "docs"):         true,
		path.Join("/", basePath, "metrics"):      true,
	}
	webhooks := path.Join("/", basePath, "webhooks") + "/"
	wsPath := path.Join("/", basePath, "ws")
	local := Principal{ActorID: "local", Roles: []string{"admin"}, Permissions: []string{"*"}, Source: "none"}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			if cfg.Mode != AuthToken {
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), local)))
				return
			}
			unauthorized := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			// browsers cannot set headers on a websocket handshake
			if authz == "" && req.URL.Path == wsPath {
				if tok := req.URL.Query().Get("access_token"); tok != "" {
					authz = "Bearer " + tok
				}
			}

			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, unauthorized)
					return
				}
				principal, err := authenticateJWT(token, cfg)
				if err != nil {
					cfg.logger().Debug("jwt rejected", "error", err)
					respondStatusError(w, unauthorized)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			case apiKeyHeader != "":
				principal, err := authenticateAPIKey(req.Context(), r, cfg, apiKeyHeader)
				if err != nil {
					respondStatusError(w, unauthorized)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if secret := req.Header.Get(webhookSecretHeader); secret != "" && cfg.WebhookSecret != "" && strings.HasPrefix(req.URL.Path, webhooks) {
				if subtle.ConstantTimeCompare([]byte(secret), []byte(cfg.WebhookSecret)) != 1 {
					respondStatusError(w, unauthorized)
					return
				}
				principal := Principal{ActorID: "webhook", Permissions: []string{"signals.write"}, Source: "webhook_secret"}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
