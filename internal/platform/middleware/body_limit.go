package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// DefaultBodyLimit applies when the configured limit is unparseable.
const DefaultBodyLimit int64 = 1 << 20

// ParseLimit parses a human-readable size such as "512M", "64MiB" or "2048".
// Suffixes follow go-humanize: K, M and G are decimal, KiB, MiB and GiB binary.
func ParseLimit(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 || n > 1<<40 {
		return 0, fmt.Errorf("invalid size %q: must be between 1 byte and 1TiB", s)
	}
	return int64(n), nil
}

// BodyLimit caps request bodies. A declared Content-Length over the limit is
// rejected with 413 up front; otherwise reads past the limit fail with an
// *http.MaxBytesError, which IsBodyTooLarge recognises.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes, err := ParseLimit(limit)
	if err != nil {
		maxBytes = DefaultBodyLimit
	}
	tooLarge := fmt.Sprintf("request body exceeds the %s limit", humanize.IBytes(uint64(maxBytes)))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, tooLarge)
			}

			req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)
			err := next(c)
			if IsBodyTooLarge(err) {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, tooLarge).SetInternal(err)
			}
			return err
		}
	}
}

// IsBodyTooLarge reports whether err came from reading past the body limit.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
