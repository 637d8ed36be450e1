package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

// OwnerHeader names the owner whose resources a request reads and writes.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

var ownerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Owner resolves the owner of every request from the X-Owner-ID header,
// falling back to defaultOwner, and stores it in the request context.
func Owner(defaultOwner string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ownerID := extractOwnerID(c, defaultOwner)
			if !ownerIDPattern.MatchString(ownerID) {
				return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid owner identifier"))
			}

			c.SetRequest(c.Request().WithContext(WithOwner(c.Request().Context(), ownerID)))
			c.Set("owner_id", ownerID)
			return next(c)
		}
	}
}

func extractOwnerID(c echo.Context, defaultOwner string) string {
	if id := c.Request().Header.Get(OwnerHeader); id != "" {
		return id
	}
	return defaultOwner
}

// WithOwner returns a context scoped to ownerID.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext retrieves the owner id set by Owner.
func OwnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}
