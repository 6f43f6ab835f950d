// Package metrics owns the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	policiesCreated     *prometheus.CounterVec
	contractTransitions *prometheus.CounterVec
	dataRequests        *prometheus.CounterVec
	sideChannelFailures *prometheus.CounterVec
)

func register() {
	once.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests processed",
		}, []string{"method", "path", "status"})
		httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})
		policiesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_policies_created_total",
			Help: "Consent policies minted",
		}, []string{"resource", "data_source"})
		contractTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_contract_transitions_total",
			Help: "Inter-organization contract state transitions",
		}, []string{"action"})
		dataRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_data_requests_total",
			Help: "Data-access request lifecycle events",
		}, []string{"event"})
		sideChannelFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_side_channel_failures_total",
			Help: "Best-effort audit/notification failures that were swallowed",
		}, []string{"channel"})

		registry.MustRegister(
			httpRequestsTotal, httpRequestDuration,
			policiesCreated, contractTransitions, dataRequests, sideChannelFailures,
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the echo route
// pattern, never the raw path, to keep label cardinality bounded.
func Middleware() echo.MiddlewareFunc {
	register()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func PolicyCreated(resource, dataSource string) {
	register()
	policiesCreated.WithLabelValues(resource, dataSource).Inc()
}

func ContractTransition(action string) {
	register()
	contractTransitions.WithLabelValues(action).Inc()
}

func DataRequest(event string) {
	register()
	dataRequests.WithLabelValues(event).Inc()
}

func SideChannelFailure(channel string) {
	register()
	sideChannelFailures.WithLabelValues(channel).Inc()
}
