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

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskwatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskwatch_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_classifications_total",
			Help: "Total number of vitals snapshots classified",
		},
		[]string{"classification", "source"},
	)

	dataErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_data_errors_total",
			Help: "Total number of rejected vitals snapshots",
		},
		[]string{"field", "source"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_escalation_orders_total",
			Help: "Total number of escalation orders created",
		},
		[]string{"trigger"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_deliveries_total",
			Help: "Total number of transaction bundles submitted to a record store",
		},
		[]string{"store", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskwatch_delivery_duration_seconds",
			Help:    "Record store submission duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"store"},
	)

	pendingAnalyses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskwatch_pending_analyses",
			Help: "Number of analyses awaiting delivery",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency per route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			// route template keeps label cardinality bounded
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// --- Business metric helpers ---

// RecordClassification counts a classification produced from source (http, mqtt, cli).
func RecordClassification(classification, source string) {
	classificationsTotal.WithLabelValues(classification, source).Inc()
}

// RecordDataError counts a snapshot rejected because field was not numeric.
func RecordDataError(field, source string) {
	dataErrorsTotal.WithLabelValues(field, source).Inc()
}

// RecordEscalation counts an escalation order; trigger is automatic or clinician.
func RecordEscalation(trigger string) {
	escalationsTotal.WithLabelValues(trigger).Inc()
}

// RecordDelivery records a submission to a record store.
func RecordDelivery(store string, ok bool, duration time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	deliveriesTotal.WithLabelValues(store, outcome).Inc()
	deliveryDuration.WithLabelValues(store).Observe(duration.Seconds())
}

// SetPending sets the number of analyses awaiting delivery.
func SetPending(n int) {
	pendingAnalyses.Set(float64(n))
}
