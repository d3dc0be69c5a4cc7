package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sifan077/RoomGate/internal/app/model"
)

const namespace = "roomgate"

// Metrics collects link lifecycle and HTTP counters.
type Metrics struct {
	issued      *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	heartbeats  *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	requests    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_issued_total",
			Help:      "Links issued, by mode.",
		}, []string{"mode"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_redemptions_total",
			Help:      "Redemption attempts, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_heartbeats_total",
			Help:      "Heartbeats, by outcome.",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_store_errors_total",
			Help:      "Token store failures, by operation.",
		}, []string{"op"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	for _, c := range []prometheus.Collector{m.issued, m.redemptions, m.heartbeats, m.storeErrors, m.requests} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (m *Metrics) LinkIssued(mode model.Mode) {
	m.issued.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) Redemption(mode model.Mode, outcome string) {
	if mode == "" {
		mode = "unknown"
	}
	m.redemptions.WithLabelValues(string(mode), outcome).Inc()
}

func (m *Metrics) Heartbeat(outcome string) {
	m.heartbeats.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// ObserveRequest records one HTTP request. route is the matched route
// pattern, never the raw path, so tokens stay out of label values.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
