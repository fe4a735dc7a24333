package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/riskwatch/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. Handlers see
// the deadline through the request context; delivery to the record store
// is cancelled with it. An expired deadline answers 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return writeOutcome(c, http.StatusGatewayTimeout, fhir.IssueTypeTimeout,
					"request processing exceeded the allowed time limit")
			}
			return err
		}
	}
}
