package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"leadflow/internal/domain"
	"leadflow/internal/repo"
)

type AuthConfig struct {
	JWTSecret          string
	AllowLegacyHeaders bool
	// EnableDevLogin registers POST /auth/dev/login, which mints tokens for any role without credentials.
	EnableDevLogin bool
	Logger         *charmLog.Logger
}

// publicRoutes lists the routes served without credentials.
func (c AuthConfig) publicRoutes(basePath string) map[string]bool {
	public := map[string]bool{
		path.Join("/", basePath, "health"):       true,
		path.Join("/", basePath, "openapi.json"): true,
	}
	if c.EnableDevLogin {
		public[path.Join("/", basePath, "auth/dev/login")] = true
	}
	return public
}

// Principal is the authenticated caller. Every principal is bound to one role and one vendor.
type Principal struct {
	ActorID  string
	Role     domain.Role
	VendorID string
	Source   string
}

func (p Principal) Actor() domain.Actor {
	return domain.Actor{ID: p.ActorID, Role: p.Role, VendorID: p.VendorID}
}

type principalKey struct{}

func (c AuthConfig) logger() *charmLog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return charmLog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func actorFromRequest(ctx context.Context) (domain.Actor, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	return p.Actor(), nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role   string `json:"role"`
	Vendor string `json:"vendor"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
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
	role := domain.Role(claims.Role)
	if !role.Valid() {
		return Principal{}, errors.New("role claim required")
	}
	if claims.Vendor == "" {
		return Principal{}, errors.New("vendor claim required")
	}
	return Principal{
		ActorID:  claims.Subject,
		Role:     role,
		VendorID: claims.Vendor,
		Source:   "jwt",
	}, nil
}

// signDevToken mints a short-lived HS256 token carrying role and vendor claims.
func signDevToken(secret, actorID string, role domain.Role, vendorID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
		},
		Role:   string(role),
		Vendor: vendorID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	hash := repo.HashAPIKey(key)
	apiKey, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{
		ActorID:  apiKey.ActorID,
		Role:     apiKey.Role,
		VendorID: apiKey.VendorID,
		Source:   "api_key",
	}, nil
}

func legacyPrincipal(req *http.Request) (Principal, bool) {
	actor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
	role := domain.Role(strings.TrimSpace(req.Header.Get("X-Actor-Role")))
	vendor := strings.TrimSpace(req.Header.Get("X-Vendor-Id"))
	if actor == "" || !role.Valid() || vendor == "" {
		return Principal{}, false
	}
	return Principal{ActorID: actor, Role: role, VendorID: vendor, Source: "legacy_header"}, true
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := cfg.publicRoutes(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", "err", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if cfg.AllowLegacyHeaders {
				if principal, ok := legacyPrincipal(req); ok {
					cfg.logger().Warn("using legacy actor headers without auth; ignored when Authorization or X-Api-Key is present",
						"actor_id", principal.ActorID, "role", principal.Role, "vendor_id", principal.VendorID)
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
					return
				}
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
