// Package metrics provides Prometheus instrumentation for TrialGuard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trialguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// DecisionsTotal counts emitted decisions by tenant and disposition.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total decisions emitted by tenant and disposition.",
		},
		[]string{"tenant", "disposition"},
	)

	// EvaluationErrorsTotal counts rejected evaluations by error kind.
	EvaluationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_errors_total",
			Help:      "Total evaluations rejected, by error kind.",
		},
		[]string{"kind"},
	)

	// EvaluationDuration observes the in-memory cost of one evaluation.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent in a single engine evaluation.",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})

	// ResourceAnomaliesTotal counts releases without a matching claim.
	ResourceAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_anomalies_total",
			Help:      "Total resource releases that exceeded the held amount.",
		},
		[]string{"tenant"},
	)

	// TrackedAccounts is the number of accounts with rolling state.
	TrackedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_accounts",
		Help:      "Number of accounts currently holding rolling state.",
	})

	// EvictedAccountsTotal counts accounts dropped by the sweeper or a trial restart.
	EvictedAccountsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_accounts_total",
			Help:      "Total accounts whose rolling state was evicted, by cause.",
		},
		[]string{"cause"},
	)

	// SinkErrorsTotal counts failed deliveries from the dispatcher by sink.
	SinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total decision deliveries that failed, by sink.",
		},
		[]string{"sink"},
	)

	// DispatcherLostTotal counts decision records that left the feed ring
	// before the dispatcher reached them.
	DispatcherLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatcher_lost_records_total",
		Help:      "Total decision records that aged out of the feed before delivery.",
	})

	// BusMessagesTotal counts ingested bus messages by result.
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Total event bus messages consumed, by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// SweepDuration observes how long an eviction sweep takes.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Time spent in one inactive-account sweep.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		EvaluationErrorsTotal,
		EvaluationDuration,
		ResourceAnomaliesTotal,
		TrackedAccounts,
		EvictedAccountsTotal,
		SinkErrorsTotal,
		DispatcherLostTotal,
		BusMessagesTotal,
		ActiveWebSocketClients,
		SweepDuration,
	)
}

// DropCounter reports a monotonically growing drop count.
type DropCounter interface {
	Dropped() uint64
}

// RegisterFeedDrops exposes the feed's subscriber drop count. Registering twice
// returns the AlreadyRegistered error.
func RegisterFeedDrops(src DropCounter) error {
	return prometheus.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_dropped_total",
		Help:      "Total decision records missed by slow feed subscribers.",
	}, func() float64 { return float64(src.Dropped()) }))
}

// Middleware records request metrics using the chi route pattern as the label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(ww.Status())).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
