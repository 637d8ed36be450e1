package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_Independent(t *testing.T) {
	// each instance owns its registry, so two never collide
	a, b := New(), New()
	a.VersionConflicts.Inc()
	if got := testutil.ToFloat64(b.VersionConflicts); got != 0 {
		t.Errorf("b.VersionConflicts = %v, want 0", got)
	}
}

func TestObserveStore(t *testing.T) {
	m := New()
	m.ObserveStore("flush", time.Now(), nil)
	m.ObserveStore("flush", time.Now(), errors.New("boom"))
	m.ObserveStore("search", time.Now(), nil)

	if got := testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("flush", "ok")); got != 1 {
		t.Errorf("flush ok = %v", got)
	}
	if got := testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("flush", "error")); got != 1 {
		t.Errorf("flush error = %v", got)
	}
	if got := testutil.CollectAndCount(m.StoreOperationDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestObserve_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStore("flush", time.Now(), nil)
	m.ObserveSearch("Patient", "ok", 3)
}

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/fhir/:type/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/fhir/:type", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad")
	})

	for _, path := range []string{"/fhir/Patient/1", "/fhir/Patient/2", "/fhir/Patient"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/fhir/:type/:id", "200")); got != 2 {
		t.Errorf("read requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/fhir/:type", "400")); got != 1 {
		t.Errorf("search errors = %v, want 1", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.ObserveSearch("Sequence", "ok", 4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{
		`fhirsearch_searches_total{outcome="ok",resource_type="Sequence"} 1`,
		`fhirsearch_search_results_total 4`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestObserveFlushAndConflict(t *testing.T) {
	m := New()
	m.ObserveFlush(5, nil)
	m.ObserveFlush(7, errors.New("conflict"))
	m.ObserveConflict()

	if got := testutil.ToFloat64(m.IndexEntriesWritten); got != 5 {
		t.Errorf("IndexEntriesWritten = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.VersionConflicts); got != 1 {
		t.Errorf("VersionConflicts = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveFlush(1, nil)
	nilMetrics.ObserveConflict()
}
