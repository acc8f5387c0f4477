package rlm

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the harness updates as a run
// progresses. Grounded on the teacher's per-subsystem metrics structs
// (each subsystem owns and registers its own collectors against a
// caller-supplied Registerer, rather than relying on the default global
// registry).
type Metrics struct {
	IterationsTotal        prometheus.Counter
	SubcallsTotal          prometheus.Counter
	SubcallsRejectedTotal  prometheus.Counter
	ReplExecDuration       prometheus.Histogram
	RootCallDuration       prometheus.Histogram
	RunsTotal              *prometheus.CounterVec
}

// NewMetrics constructs and registers the harness's collectors against reg.
// Pass prometheus.NewRegistry() for isolated tests, or a process-wide
// registry (e.g. prometheus.DefaultRegisterer) in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_iterations_total",
			Help: "Total root-LM iterations executed across all runs.",
		}),
		SubcallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_subcalls_total",
			Help: "Total recursive subcalls issued through the LM bridge.",
		}),
		SubcallsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_subcalls_rejected_total",
			Help: "Total subcalls rejected for exceeding the per-run subcall limit.",
		}),
		ReplExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rlm_repl_exec_duration_seconds",
			Help:    "Latency of interpreter worker exec calls.",
			Buckets: prometheus.DefBuckets,
		}),
		RootCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rlm_root_call_duration_seconds",
			Help:    "Latency of root LM calls.",
			Buckets: prometheus.DefBuckets,
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlm_runs_total",
			Help: "Total completed runs by terminal status.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.IterationsTotal,
			m.SubcallsTotal,
			m.SubcallsRejectedTotal,
			m.ReplExecDuration,
			m.RootCallDuration,
			m.RunsTotal,
		)
	}
	return m
}

// noopMetrics is used when a harness is constructed without WithMetrics,
// so call sites never need a nil check.
func noopMetrics() *Metrics {
	return NewMetrics(nil)
}
