package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boost"

// Recorder owns a private registry with the reward and reconciliation series.
type Recorder struct {
	registry        *prometheus.Registry
	rewardOutcomes  *prometheus.CounterVec
	reconcileRuns   *prometheus.CounterVec
	reconcileOrders *prometheus.CounterVec
	upstreamRetries prometheus.Counter
	runDuration     prometheus.Histogram
}

// NewRecorder registers every series on a fresh registry together with the Go runtime collectors.
func NewRecorder() *Recorder {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		rewardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_outcomes_total",
			Help:      "Reward claims by terminal state.",
		}, []string{"state"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by result.",
		}, []string{"result"}),
		reconcileOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_orders_total",
			Help:      "Orders visited by reconciliation, by outcome.",
		}, []string{"outcome"}),
		upstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried calls to the statistics provider.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_run_seconds",
			Help:      "Wall time of reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	recorder.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.rewardOutcomes,
		recorder.reconcileRuns,
		recorder.reconcileOrders,
		recorder.upstreamRetries,
		recorder.runDuration,
	)
	return recorder
}

// RecordReward counts one reward claim outcome.
func (r *Recorder) RecordReward(state string) {
	r.rewardOutcomes.WithLabelValues(state).Inc()
}

// RecordRun counts a reconciliation run and observes its duration.
func (r *Recorder) RecordRun(result string, elapsed time.Duration) {
	r.reconcileRuns.WithLabelValues(result).Inc()
	r.runDuration.Observe(elapsed.Seconds())
}

// RecordOrders adds count orders under outcome.
func (r *Recorder) RecordOrders(outcome string, count int) {
	if count <= 0 {
		return
	}
	r.reconcileOrders.WithLabelValues(outcome).Add(float64(count))
}

// RecordRetry matches the stats retry hook signature.
func (r *Recorder) RecordRetry(int, time.Duration, error) {
	r.upstreamRetries.Inc()
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
