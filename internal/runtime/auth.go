package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/policy"
)

// DefaultRoleClaim is the JWT claim carrying the caller's role.
const DefaultRoleClaim = "role"

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   policy.Role
}

// Scope converts the identity into the access scope queries run under.
func (i Identity) Scope() policy.Scope {
	return policy.Scope{Role: i.Role, OwnerID: i.UserID}
}

// LoadJWTSecret resolves the shared JWT secret from config.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if s := strings.TrimSpace(cfg.Server.JWTSecret); s != "" {
		return []byte(s), nil
	}
	return nil, errors.New("jwt secret not configured (server.jwt_secret or ACADEMIQ_SERVER_JWT_SECRET)")
}

// SignJWT issues a signed token for subject with the given role and TTL.
func SignJWT(subject string, role policy.Role, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":             subject,
		DefaultRoleClaim: string(role),
		"exp":             time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// EchoAuthMiddleware validates HS256 tokens from the Authorization header or
// auth cookie and stores the caller's Identity on the request.
func EchoAuthMiddleware(secret []byte, roleClaim string) echo.MiddlewareFunc {
	if roleClaim == "" {
		roleClaim = DefaultRoleClaim
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			sub, _ := claims["sub"].(string)
			if strings.TrimSpace(sub) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}
			rawRole, _ := claims[roleClaim].(string)
			role, err := policy.ParseRole(rawRole)
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, "token carries no usable role")
			}
			id := Identity{UserID: sub, Role: role}
			c.Set("user_id", sub)
			c.Set("role", string(role))
			c.SetRequest(c.Request().WithContext(ContextWithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

type identityKey struct{}

// ContextWithIdentity stores id on ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...policy.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			for _, r := range roles {
				if id.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "role "+string(id.Role)+" may not use this endpoint")
		}
	}
}
