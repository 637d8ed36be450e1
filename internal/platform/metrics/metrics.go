// Package metrics provides Prometheus collectors for the search server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors, all registered on one registry.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	SearchesTotal       *prometheus.CounterVec
	SearchResultsTotal  prometheus.Counter
	IndexEntriesWritten prometheus.Counter
	VersionConflicts    prometheus.Counter

	registry *prometheus.Registry
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsearch_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirsearch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		StoreOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsearch_store_operations_total",
			Help: "Total number of resource store operations",
		}, []string{"operation", "status"}),

		StoreOperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirsearch_store_operation_duration_seconds",
			Help:    "Duration of resource store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),

		SearchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsearch_searches_total",
			Help: "Total number of searches by outcome",
		}, []string{"resource_type", "outcome"}),

		SearchResultsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fhirsearch_search_results_total",
			Help: "Total number of matches returned by searches",
		}),

		IndexEntriesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "fhirsearch_index_entries_written_total",
			Help: "Total number of search index entries written",
		}),

		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "fhirsearch_version_conflicts_total",
			Help: "Total number of writes rejected by a concurrent version change",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStore records one store operation.
func (m *Metrics) ObserveStore(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(op, status).Inc()
	m.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveSearch records a finished search.
func (m *Metrics) ObserveSearch(resourceType, outcome string, results int) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(resourceType, outcome).Inc()
	m.SearchResultsTotal.Add(float64(results))
}

// ObserveFlush records a flushed write buffer.
func (m *Metrics) ObserveFlush(entries int, err error) {
	if m == nil || err != nil {
		return
	}
	m.IndexEntriesWritten.Add(float64(entries))
}

// ObserveConflict counts a write rejected by a concurrent change.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.VersionConflicts.Inc()
}

// Middleware counts requests by route template so ids do not explode the
// label space.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			m.HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
