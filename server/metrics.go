package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	loginsStarted   prometheus.Counter
	callbacks       *prometheus.CounterVec
	userinfo        *prometheus.CounterVec
	logouts         prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loginsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oidcrp",
			Name:      "logins_started_total",
			Help:      "Login flows started.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidcrp",
			Name:      "callbacks_total",
			Help:      "Provider callbacks by outcome.",
		}, []string{"outcome"}),
		userinfo: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidcrp",
			Name:      "userinfo_requests_total",
			Help:      "Userinfo fetches by outcome.",
		}, []string{"outcome"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oidcrp",
			Name:      "logouts_total",
			Help:      "Logouts.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oidcrp",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.loginsStarted,
		m.callbacks,
		m.userinfo,
		m.logouts,
		m.requestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func outcome(kind string) string {
	if kind == "" {
		return "success"
	}
	return kind
}
