package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// orchestrator
	DispatchTotal   *prometheus.CounterVec // outcome=accepted|refused|error
	JobResults      *prometheus.CounterVec // provider, action, result=completed|retry|dead
	CallbackTotal   *prometheus.CounterVec // result=delivered|retry|failed
	StaleRecovered  prometheus.Counter

	// worker runtime
	ExecDuration   *prometheus.HistogramVec // provider, action, result
	ExecsInFlight  prometheus.Gauge
	ExecsRefused   prometheus.Counter
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpa",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rpa",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "rpa",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rpa",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpa",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpa",
				Subsystem: "dispatch",
				Name:      "total",
				Help:      "Dispatch attempts by worker endpoint and outcome.",
			},
			[]string{"worker", "outcome"},
		),
		JobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpa",
				Subsystem: "jobs",
				Name:      "results_total",
				Help:      "Job outcomes by provider, action and result.",
			},
			[]string{"provider", "action", "result"},
		),
		CallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpa",
				Subsystem: "callback",
				Name:      "deliveries_total",
				Help:      "Upstream callback delivery outcomes.",
			},
			[]string{"result"},
		),
		StaleRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rpa",
				Subsystem: "jobs",
				Name:      "stale_recovered_total",
				Help:      "Running jobs reclaimed by stale recovery.",
			},
		),
		ExecDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rpa",
				Subsystem: "exec",
				Name:      "duration_seconds",
				Help:      "Automation execution duration.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 900},
			},
			[]string{"provider", "action", "result"},
		),
		ExecsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rpa",
				Subsystem: "exec",
				Name:      "in_flight",
				Help:      "Automations currently executing in this worker process.",
			},
		),
		ExecsRefused: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rpa",
				Subsystem: "exec",
				Name:      "refused_total",
				Help:      "Dispatches refused because the worker was at capacity.",
			},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.DispatchTotal, p.JobResults, p.CallbackTotal, p.StaleRecovered,
		p.ExecDuration, p.ExecsInFlight, p.ExecsRefused,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
