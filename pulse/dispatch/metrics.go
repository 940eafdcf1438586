package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/relay/pulse/async"
)

// Metrics exposes the scheduling loop to prometheus. A nil *Metrics
// records nothing.
type Metrics struct {
	tickDuration *prometheus.HistogramVec
	dispatches   *prometheus.CounterVec
	launches     *prometheus.CounterVec
	results      *prometheus.CounterVec
	reset        prometheus.Counter
	dropped      *prometheus.CounterVec
	cronFires    *prometheus.CounterVec
	jobs         *prometheus.GaugeVec
}

// NewMetrics creates the loop's collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "tick_duration_seconds",
			Help:      "Duration of scheduling loop ticks by task.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"task"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "dispatches_total",
			Help:      "Submit attempts by worker answer.",
		}, []string{"selector", "outcome"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "worker_launches_total",
			Help:      "Worker process launches by outcome.",
		}, []string{"selector", "outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "results_total",
			Help:      "Delivered results by how they were handled.",
		}, []string{"outcome"}),
		reset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "orphaned_jobs_reset_total",
			Help:      "RUNNING jobs reset to PENDING because their worker was not alive.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "workers_dropped_total",
			Help:      "Workers force-stopped by reconciliation, by reason.",
		}, []string{"reason"}),
		cronFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "cron_fires_total",
			Help:      "Due cron schedules by outcome.",
		}, []string{"outcome"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "pulse",
			Name:      "jobs",
			Help:      "Jobs by status, sampled on reconcile ticks.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.tickDuration, m.dispatches, m.launches, m.results, m.reset, m.dropped, m.cronFires, m.jobs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeTick(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) dispatch(selector, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(selector, outcome).Inc()
}

func (m *Metrics) launch(selector, outcome string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(selector, outcome).Inc()
}

func (m *Metrics) result(outcome string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(outcome).Inc()
}

func (m *Metrics) resetJobs(n int) {
	if m == nil {
		return
	}
	m.reset.Add(float64(n))
}

func (m *Metrics) dropWorker(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) cronFire(outcome string) {
	if m == nil {
		return
	}
	m.cronFires.WithLabelValues(outcome).Inc()
}

func (m *Metrics) jobCounts(counts map[async.JobStatus]int) {
	if m == nil {
		return
	}
	for _, s := range []async.JobStatus{
		async.JobStatusPending, async.JobStatusRunning, async.JobStatusAborting,
		async.JobStatusDone, async.JobStatusError, async.JobStatusAborted, async.JobStatusCanceled,
	} {
		m.jobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
