// Package metrics exposes the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// registry setup.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	cpsVerifications    *prometheus.CounterVec
	accessTransitions   *prometheus.CounterVec
	expiredBySweep      prometheus.Counter
	notificationsSent   *prometheus.CounterVec
	notificationAttempt *prometheus.HistogramVec
	deliveryQueueDepth  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmp_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dmp_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		cpsVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmp_cps_verifications_total",
			Help: "CPS code verifications by outcome.",
		}, []string{"outcome"}),
		accessTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmp_access_transitions_total",
			Help: "Access request status transitions by target status and outcome.",
		}, []string{"to", "outcome"}),
		expiredBySweep: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmp_access_expired_by_sweep_total",
			Help: "Access requests moved to expire by the periodic sweep.",
		}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmp_notification_deliveries_total",
			Help: "Notification deliveries by channel and final outcome.",
		}, []string{"channel", "outcome"}),
		notificationAttempt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dmp_notification_delivery_attempts",
			Help:    "Attempts needed to settle a notification.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"channel"}),
		deliveryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmp_notification_queue_depth",
			Help: "Notifications waiting for a delivery worker.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.cpsVerifications,
		m.accessTransitions,
		m.expiredBySweep,
		m.notificationsSent,
		m.notificationAttempt,
		m.deliveryQueueDepth,
	)
	return m
}

// Registry is exposed for tests and for registering pool collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency keyed by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) CPSVerification(outcome string) {
	if m == nil {
		return
	}
	m.cpsVerifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AccessTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.accessTransitions.WithLabelValues(to, outcome).Inc()
}

func (m *Metrics) ExpiredBySweep(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredBySweep.Add(float64(n))
}

// NotificationSettled records the final state of one delivery run.
func (m *Metrics) NotificationSettled(channel, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(channel, outcome).Inc()
	m.notificationAttempt.WithLabelValues(channel).Observe(float64(attempts))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.deliveryQueueDepth.Set(float64(n))
}
