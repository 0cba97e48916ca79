// Package metrics provides HTTP metrics for the REST client and the API server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// HTTPMetrics contains Prometheus metrics for outgoing backend requests and
// incoming API requests.
type HTTPMetrics struct {
	registry *prometheus.Registry

	// Backend REST client
	restRequestsTotal   *prometheus.CounterVec
	restRequestDuration *prometheus.HistogramVec

	// Console API server
	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	apiInFlight        prometheus.Gauge
}

// NewHTTPMetrics creates and registers new HTTP metrics.
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.restRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rest_requests_total",
			Help:      "Total number of backend REST requests",
		},
		[]string{LabelMethod, LabelRoute, LabelStatus}, // status_code: 200, 404, error
	)

	m.restRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "rest_request_duration_seconds",
			Help:      "Latency of backend REST requests",
			Buckets:   RequestBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	m.apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_requests_total",
			Help:      "Total number of console API requests",
		},
		[]string{LabelMethod, LabelRoute, LabelStatus},
	)

	m.apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Time taken to serve console API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	m.apiInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "api_requests_in_flight",
		Help:      "Number of console API requests currently being served",
	})
}

func (m *HTTPMetrics) getCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.restRequestsTotal,
		m.restRequestDuration,
		m.apiRequestsTotal,
		m.apiRequestDuration,
		m.apiInFlight,
	}
}

// Describe implements prometheus.Collector.
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.getCollectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.getCollectors() {
		c.Collect(ch)
	}
}

// ObserveRESTRequest matches httpclient's after-response hook.
func (m *HTTPMetrics) ObserveRESTRequest(req *http.Request, resp *http.Response, err error, elapsed time.Duration) {
	status := StatusError
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	route := RouteLabel(req.URL.Path)
	m.restRequestsTotal.WithLabelValues(req.Method, route, status).Inc()
	m.restRequestDuration.WithLabelValues(req.Method, route).Observe(elapsed.Seconds())
}

// RecordAPIRequest records a served API request. route is the registered
// route pattern, not the raw path.
func (m *HTTPMetrics) RecordAPIRequest(method, route string, statusCode int, elapsed time.Duration) {
	m.apiRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.apiRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// APIRequestStarted increments the in-flight gauge.
func (m *HTTPMetrics) APIRequestStarted() { m.apiInFlight.Inc() }

// APIRequestFinished decrements the in-flight gauge.
func (m *HTTPMetrics) APIRequestFinished() { m.apiInFlight.Dec() }

// ActiveAPIRequests returns the in-flight gauge value.
func (m *HTTPMetrics) ActiveAPIRequests() float64 {
	metric := &dto.Metric{}
	if err := m.apiInFlight.Write(metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

// RouteLabel collapses node ids in backend paths so label cardinality stays
// bounded: /api/nodes/node-001/heartbeat becomes /api/nodes/:id/heartbeat.
func RouteLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if parts[i-1] == "nodes" && parts[i] != "register" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
