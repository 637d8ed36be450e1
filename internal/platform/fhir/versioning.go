package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, version int, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(version))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// IfMatchVersion returns the version named by the If-Match header. ok is
// false when the header is absent, which makes an update unconditional.
func IfMatchVersion(c echo.Context) (version int, ok bool, err error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, false, nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, false, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, true, nil
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version number.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}
