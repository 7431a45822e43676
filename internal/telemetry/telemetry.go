// Package telemetry exposes dispatch and generation progress as Prometheus
// metrics.
package telemetry

import (
	"context"
	"net/http"
	"strconv"

	"abcsmc/internal/dispatch"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "abcsmc"

// Recorder implements dispatch.Observer and the engine's generation reporter.
type Recorder struct {
	registry *prometheus.Registry

	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	duration   prometheus.Histogram
	generation prometheus.Gauge
	best       prometheus.Gauge
	threshold  prometheus.Gauge
}

func NewRecorder(runID string) *Recorder {
	labels := prometheus.Labels{"run_id": runID}
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "simulations_dispatched_total",
		Help:        "Simulator jobs handed to a worker, retries included.",
		ConstLabels: labels,
	}, []string{"generation"})
	r.completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "simulations_completed_total",
		Help:        "Simulator jobs that returned metrics.",
		ConstLabels: labels,
	}, []string{"generation"})
	r.failed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "simulations_failed_total",
		Help:        "Simulator jobs that returned an error.",
		ConstLabels: labels,
	}, []string{"generation"})
	r.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        "simulation_duration_seconds",
		Help:        "Wall time of successful simulator evaluations.",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	r.generation = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "completed_generation",
		Help:        "Most recent completed generation.",
		ConstLabels: labels,
	})
	r.best = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "best_distance",
		Help:        "Smallest distance in the most recent completed generation.",
		ConstLabels: labels,
	})
	r.threshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "acceptance_threshold",
		Help:        "Largest retained distance in the most recent completed generation.",
		ConstLabels: labels,
	})
	r.generation.Set(-1)
	r.registry.MustRegister(r.dispatched, r.completed, r.failed, r.duration, r.generation, r.best, r.threshold)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Dispatched(job dispatch.Job) {
	r.dispatched.WithLabelValues(generationLabel(job.Generation)).Inc()
}

func (r *Recorder) Completed(res dispatch.Result) {
	r.completed.WithLabelValues(generationLabel(res.Job.Generation)).Inc()
	r.duration.Observe(res.Duration.Seconds())
}

func (r *Recorder) Failed(res dispatch.Result) {
	r.failed.WithLabelValues(generationLabel(res.Job.Generation)).Inc()
}

func (r *Recorder) ReportGeneration(_ context.Context, _ model.Definitions, set model.Set, _ kernel.Kernel) error {
	r.generation.Set(float64(set.Generation))
	if len(set.PredictivePrior) > 0 {
		r.best.Set(set.Distances[set.PredictivePrior[0]])
		r.threshold.Set(set.Distances[set.PredictivePrior[len(set.PredictivePrior)-1]])
	}
	return nil
}

func generationLabel(gen int) string {
	return strconv.Itoa(gen)
}
