package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

func runWithTimeout(t *testing.T, target string, timeout time.Duration, skip []string, h echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, target, nil), rec)
	return rec, RequestTimeout(timeout, skip...)(h)(c)
}

func TestRequestTimeout_FastSearchCompletes(t *testing.T) {
	var hasDeadline bool
	rec, err := runWithTimeout(t, "/fhir/Patient", 5*time.Second, nil, func(c echo.Context) error {
		_, hasDeadline = c.Request().Context().Deadline()
		return c.NoContent(http.StatusOK)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasDeadline {
		t.Error("expected the request context to carry a deadline")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequestTimeout_SlowSearchGets504(t *testing.T) {
	rec, err := runWithTimeout(t, "/fhir/Observation?code=x", 20*time.Millisecond, nil, func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("body is not an OperationOutcome: %v", err)
	}
	if len(oo.Issue) == 0 || oo.Issue[0].Code != fhir.IssueTypeTimeout {
		t.Errorf("unexpected outcome: %+v", oo)
	}
}

func TestRequestTimeout_SkippedPathsHaveNoDeadline(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		_, err := runWithTimeout(t, path, time.Millisecond, []string{"/health", "/metrics"}, func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Errorf("%s: unexpected deadline", path)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", path, err)
		}
	}
}

func TestRequestTimeout_HandlerErrorPassesThrough(t *testing.T) {
	_, err := runWithTimeout(t, "/fhir/Patient/123", time.Second, nil, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound)
	})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected a 404 HTTPError, got %v", err)
	}
}
