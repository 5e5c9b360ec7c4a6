// Package metrics exposes Prometheus collectors for the scan, execution and
// budget pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yieldrouter"

// Collector owns a registry and every yieldrouter metric.
// All methods are safe on a nil *Collector, so components can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	venueReads      *prometheus.CounterVec
	venueReadTime   *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	scans           prometheus.Counter
	opportunities   prometheus.Counter
	executions      *prometheus.CounterVec
	executionTime   prometheus.Histogram
	gasSpentUSD     prometheus.Counter
	dailyRebalances prometheus.Gauge
	dailyGasUSD     prometheus.Gauge
	skipped         prometheus.Counter
	cycleErrors     prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates a collector registered on a fresh registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		venueReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "venue_reads_total",
			Help:      "Venue yield reads by outcome.",
		}, []string{"venue", "outcome"}),
		venueReadTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "venue_read_duration_seconds",
			Help:      "Duration of venue yield reads.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~80s
		}, []string{"venue"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per venue (0 closed, 1 open, 2 half-open).",
		}, []string{"venue"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "scans_total",
			Help:      "Completed decision cycles.",
		}),
		opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "opportunities_total",
			Help:      "Recommendations produced by the strategy.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Rebalance executions by terminal state.",
		}, []string{"state"}),
		executionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Duration of rebalance executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		gasSpentUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "gas_spent_usd_total",
			Help:      "Gas spent across all executions, in USD.",
		}),
		dailyRebalances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "rebalances_today",
			Help:      "Rebalances counted against today's budget.",
		}),
		dailyGasUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "gas_usd_today",
			Help:      "Gas spend counted against today's budget, in USD.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "skipped_recommendations_total",
			Help:      "Recommendations skipped because a daily limit was exhausted.",
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "cycle_errors_total",
			Help:      "Errors recorded by the control loop.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
	}

	c.registry.MustRegister(
		c.venueReads,
		c.venueReadTime,
		c.breakerState,
		c.scans,
		c.opportunities,
		c.executions,
		c.executionTime,
		c.gasSpentUSD,
		c.dailyRebalances,
		c.dailyGasUSD,
		c.skipped,
		c.cycleErrors,
		c.httpRequests,
		c.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the registered metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveVenueRead records one yield read. outcome is "ok", "skipped", "cancelled" or an error kind.
func (c *Collector) ObserveVenueRead(venue, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.venueReads.WithLabelValues(venue, outcome).Inc()
	if outcome != "skipped" {
		c.venueReadTime.WithLabelValues(venue).Observe(duration.Seconds())
	}
}

// SetBreakerState publishes a breaker state code
func (c *Collector) SetBreakerState(venue string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(venue).Set(float64(state))
}

// RecordScan counts a finished cycle and the recommendations it produced
func (c *Collector) RecordScan(opportunities int) {
	if c == nil {
		return
	}
	c.scans.Inc()
	c.opportunities.Add(float64(opportunities))
}

// RecordExecution counts a terminal execution and its gas
func (c *Collector) RecordExecution(state string, duration time.Duration, gasUSD float64) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(state).Inc()
	c.executionTime.Observe(duration.Seconds())
	if gasUSD > 0 {
		c.gasSpentUSD.Add(gasUSD)
	}
}

// SetDailyBudget publishes today's consumption
func (c *Collector) SetDailyBudget(rebalances int, gasUSD float64) {
	if c == nil {
		return
	}
	c.dailyRebalances.Set(float64(rebalances))
	c.dailyGasUSD.Set(gasUSD)
}

// AddSkipped counts recommendations skipped for budget reasons
func (c *Collector) AddSkipped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.skipped.Add(float64(n))
}

// IncCycleErrors counts a control loop error
func (c *Collector) IncCycleErrors() {
	if c == nil {
		return
	}
	c.cycleErrors.Inc()
}

// InstrumentHandler wraps next with HTTP request metrics
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
