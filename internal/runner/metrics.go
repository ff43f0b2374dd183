package runner

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	sideEffects  *prometheus.CounterVec
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnflow_runner_steps_total",
			Help: "Total job steps executed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "learnflow_runner_step_duration_seconds",
			Help:    "Duration of each job step by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnflow_runner_side_effect_failures_total",
			Help: "Best-effort side effects that failed, by type.",
		}, []string{"type"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.stepsTotal, m.stepDuration, m.sideEffects)
	}
	return m
}
