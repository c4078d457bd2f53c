package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exported on /metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	HTTPRequestDuration *prometheus.HistogramVec
	AuthEvents          *prometheus.CounterVec
	ExpensesCreated     prometheus.Counter
	SessionsCleaned     prometheus.Counter
}

// New registers the collectors on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"method", "path", "status"},
		),
		AuthEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_events_total",
				Help: "Account and session events by outcome",
			},
			[]string{"event", "outcome"}, // event: sign_up, login, logout, sign_out
		),
		ExpensesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "expenses_created_total",
			Help: "Total number of expenses created",
		}),
		SessionsCleaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_cleaned_total",
			Help: "Expired sessions removed by the janitor",
		}),
	}
}

// RecordAuthEvent counts an account or session event.
func (m *Metrics) RecordAuthEvent(event, outcome string) {
	m.AuthEvents.WithLabelValues(event, outcome).Inc()
}

// RecordExpenseCreated counts a created expense.
func (m *Metrics) RecordExpenseCreated() {
	m.ExpensesCreated.Inc()
}

// RecordSessionsCleaned adds n removed sessions.
func (m *Metrics) RecordSessionsCleaned(n int64) {
	if n > 0 {
		m.SessionsCleaned.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware observes the duration of every request, labelled by the matched
// route pattern rather than the raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestDuration.
			WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
