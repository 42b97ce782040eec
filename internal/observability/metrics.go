package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	sessionsCreated   prometheus.Counter
	sessionsDestroyed *prometheus.CounterVec
	suspicious        *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	perimeterRejected *prometheus.CounterVec
	jobsTotal         *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authcore_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_sessions_created_total",
		Help: "Jumlah sesi yang dibuat.",
	})
	destroyed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_sessions_destroyed_total",
		Help: "Jumlah sesi yang diakhiri berdasarkan alasan.",
	}, []string{"reason"})
	suspicious := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_suspicious_activity_total",
		Help: "Deteksi aktivitas mencurigakan berdasarkan alasan.",
	}, []string{"reason"})
	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_rate_limited_total",
		Help: "Permintaan yang ditolak rate limiter per aturan.",
	}, []string{"rule"})
	perimeter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_perimeter_rejected_total",
		Help: "Permintaan yang ditolak lapisan perimeter (ddos, csrf).",
	}, []string{"guard"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_jobs_total",
		Help: "Eksekusi job latar belakang berdasarkan task dan status.",
	}, []string{"task", "status"})
	registry.MustRegister(requests, duration, created, destroyed, suspicious, rateLimited, perimeter, jobs)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		sessionsCreated:   created,
		sessionsDestroyed: destroyed,
		suspicious:        suspicious,
		rateLimited:       rateLimited,
		perimeterRejected: perimeter,
		jobsTotal:         jobs,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// SessionCreated mencatat pembuatan sesi baru.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// SessionsDestroyed mencatat n sesi yang diakhiri.
func (m *Metrics) SessionsDestroyed(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsDestroyed.WithLabelValues(reason).Add(float64(n))
}

// SuspiciousActivity mencatat hasil heuristik aktivitas mencurigakan.
func (m *Metrics) SuspiciousActivity(reason string) {
	if m == nil {
		return
	}
	m.suspicious.WithLabelValues(reason).Inc()
}

// RateLimited mencatat penolakan oleh rate limiter.
func (m *Metrics) RateLimited(rule string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(rule).Inc()
}

// PerimeterRejected mencatat penolakan oleh guard perimeter lain.
func (m *Metrics) PerimeterRejected(guard string) {
	if m == nil {
		return
	}
	m.perimeterRejected.WithLabelValues(guard).Inc()
}

// JobCompleted mencatat eksekusi job.
func (m *Metrics) JobCompleted(task string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobsTotal.WithLabelValues(task, status).Inc()
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
