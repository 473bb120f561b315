package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radpipe/internal/platform/hipaa"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
)

// Auditor receives security events. *hipaa.AuditLogger satisfies it.
type Auditor interface {
	Record(ctx context.Context, userID, action, resourceID, status string)
}

// JWTMiddleware validates the bearer token and stores the subject and role on
// the request context. Failures are audited and answered with 401. Public
// paths are passed through untouched.
func JWTMiddleware(issuer *TokenIssuer, audit Auditor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if AuthSkipper(c) {
				return next(c)
			}
			ctx := c.Request().Context()

			tokenStr, ok := bearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				audit.Record(ctx, "unknown", hipaa.ActionAuthenticate, c.Path(), hipaa.StatusFailed)
				return unauthorized(c, "missing or malformed authorization header")
			}

			claims, err := issuer.Verify(tokenStr)
			if err != nil {
				audit.Record(ctx, "unknown", hipaa.ActionAuthenticate, c.Path(), hipaa.StatusFailed)
				return unauthorized(c, "could not validate credentials")
			}

			ctx = WithUser(ctx, claims.Subject, Role(claims.Role))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

func unauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set("WWW-Authenticate", "Bearer")
	return echo.NewHTTPError(http.StatusUnauthorized, msg)
}

// WithUser attaches an authenticated identity to ctx.
func WithUser(ctx context.Context, userID string, role Role) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRoleKey, role)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RoleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(UserRoleKey).(Role)
	return role
}
