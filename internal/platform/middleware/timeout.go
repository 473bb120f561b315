package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// unwindGrace is how long a timed-out handler gets to notice its cancelled
// context before the 504 is returned without it.
const unwindGrace = 2 * time.Second

// RequestTimeout bounds every request by timeout. On expiry the request is
// answered with 504 and counted in m (which may be nil). Paths in skip run
// without a deadline.
func RequestTimeout(timeout time.Duration, m *Metrics, skip ...string) echo.MiddlewareFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			if _, ok := skipped[c.Request().URL.Path]; ok {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
			}

			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// Client went away.
				return ctx.Err()
			}
			m.recordTimeout(c.Path())

			// Pipeline stages check ctx between steps; a handler that unwinds
			// in time answers (and audits) the request itself.
			select {
			case err := <-done:
				if c.Response().Committed || (err != nil && !errors.Is(err, context.DeadlineExceeded)) {
					return err
				}
			case <-time.After(unwindGrace):
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout,
				"request exceeded the "+timeout.String()+" time limit")
		}
	}
}
