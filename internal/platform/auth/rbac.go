package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radpipe/internal/platform/hipaa"
)

// RequireAction returns middleware that lets the request through only when the
// caller's role authorizes action. Denials are audited against the action name.
func RequireAction(action Action, audit Auditor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			err := Check(ctx, action)
			if err == nil {
				return next(c)
			}
			audit.Record(ctx, UserIDFromContext(ctx), hipaa.ActionUnauthorizedAccess, string(action), hipaa.StatusDenied)
			return echo.NewHTTPError(http.StatusForbidden, "not authorized to perform this action").SetInternal(err)
		}
	}
}
