// Package metrics exposes Prometheus collectors for connector runs,
// breaker states and classified errors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidewatch/internal/resilience"
	"tidewatch/internal/services/runner"
)

// Collector owns a private registry so tests can scrape it in
// isolation. It satisfies runner.Observer for run accounting.
type Collector struct {
	registry     *prometheus.Registry
	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	activeJobs   prometheus.Gauge
	breakerState *prometheus.GaugeVec
	errorsTotal  *prometheus.CounterVec
}

// Breaker states encoded for the gauge.
const (
	gaugeClosed   = 0
	gaugeHalfOpen = 1
	gaugeOpen     = 2
)

func New() (*Collector, error) {
	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidewatch",
		Subsystem: "scheduler",
		Name:      "jobs_total",
		Help:      "Connector runs by terminal status.",
	}, []string{"connector", "status"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tidewatch",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of connector runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"connector"})

	activeJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tidewatch",
		Subsystem: "scheduler",
		Name:      "active_jobs",
		Help:      "Connector runs currently in flight.",
	})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tidewatch",
		Subsystem: "resilience",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
	}, []string{"service"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidewatch",
		Subsystem: "resilience",
		Name:      "errors_total",
		Help:      "Classified errors by severity.",
	}, []string{"severity"})

	for _, c := range []prometheus.Collector{jobsTotal, jobDuration, activeJobs, breakerState, errorsTotal} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Collector{
		registry:     registry,
		jobsTotal:    jobsTotal,
		jobDuration:  jobDuration,
		activeJobs:   activeJobs,
		breakerState: breakerState,
		errorsTotal:  errorsTotal,
	}, nil
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// JobStarted implements runner.Observer.
func (c *Collector) JobStarted(string) {
	c.activeJobs.Inc()
}

// JobFinished implements runner.Observer.
func (c *Collector) JobFinished(connector string, status runner.JobStatus, d time.Duration) {
	c.activeJobs.Dec()
	c.jobsTotal.WithLabelValues(connector, string(status)).Inc()
	c.jobDuration.WithLabelValues(connector).Observe(d.Seconds())
}

// ErrorRecorded counts one classified error; wired to ErrorLog.OnAppend.
func (c *Collector) ErrorRecorded(rec resilience.ErrorRecord) {
	c.errorsTotal.WithLabelValues(rec.Severity).Inc()
}

// ObserveBreakers refreshes the breaker state gauge from a health
// snapshot. Called periodically by the sampler goroutine.
func (c *Collector) ObserveBreakers(health []resilience.Health) {
	for _, h := range health {
		v := float64(gaugeClosed)
		switch h.State {
		case "open":
			v = gaugeOpen
		case "half_open":
			v = gaugeHalfOpen
		}
		c.breakerState.WithLabelValues(h.Service).Set(v)
	}
}
