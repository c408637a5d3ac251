package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	UnitsReservedTotal prometheus.Counter
	UnitsReleasedTotal prometheus.Counter
	RejectionsTotal    *prometheus.CounterVec
}

func New() *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"route", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"route"})
	reserved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_units_reserved_total",
		Help: "Units of stock taken by successful reservations.",
	})
	released := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_units_released_total",
		Help: "Units of stock returned by cancellations and deletions.",
	})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_rejected_total",
		Help: "Rejected reservations by reason.",
	}, []string{"reason"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requests, latency, reserved, released, rejected,
	)

	return &Metrics{
		registry:           registry,
		Requests:           requests,
		LatencyMS:          latency,
		UnitsReservedTotal: reserved,
		UnitsReleasedTotal: released,
		RejectionsTotal:    rejected,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) UnitsReserved(n int) {
	m.UnitsReservedTotal.Add(float64(n))
}

func (m *Metrics) UnitsReleased(n int) {
	m.UnitsReleasedTotal.Add(float64(n))
}

func (m *Metrics) ReservationRejected(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// Middleware records every request under its chi route pattern, so path
// parameters do not blow up label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}
