package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/riskwatch/internal/platform/fhir"
)

// writeOutcome answers with an OperationOutcome unless a response was
// already committed.
func writeOutcome(c echo.Context, status int, code, diagnostics string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics))
}
