// Package metrics exposes engine run statistics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hylla/changeflow/internal/app"
)

// Recorder implements app.RunObserver over a private registry.
type Recorder struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	matched  prometheus.Counter
}

// NewRecorder registers the engine collectors plus Go runtime collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "changeflow_runs_total",
			Help: "Engine invocations by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "changeflow_run_duration_seconds",
			Help:    "Wall time of one engine invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		matched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "changeflow_matched_rules_total",
			Help: "Rules whose condition matched across all invocations.",
		}),
	}
	registry.MustRegister(
		r.runs,
		r.duration,
		r.matched,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRun records one finished invocation.
func (r *Recorder) ObserveRun(outcome app.Outcome, matchedRules int, elapsed time.Duration) {
	label := string(outcome)
	r.runs.WithLabelValues(label).Inc()
	r.duration.WithLabelValues(label).Observe(elapsed.Seconds())
	if matchedRules > 0 {
		r.matched.Add(float64(matchedRules))
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
