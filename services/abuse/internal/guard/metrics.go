package guard

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	DetectorVerdicts   *prometheus.CounterVec
	DetectorFailures   *prometheus.CounterVec
	DetectorDuration   *prometheus.HistogramVec
	FlagsRaised        *prometheus.CounterVec
	FlagsSuppressed    *prometheus.CounterVec
	EscalationFailures prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DetectorVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abuse_detector_verdicts_total",
				Help: "Detector runs by outcome.",
			},
			[]string{"detector", "result"},
		),
		DetectorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abuse_detector_failures_total",
				Help: "Detector runs that failed open.",
			},
			[]string{"detector"},
		),
		DetectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abuse_detector_duration_seconds",
				Help:    "Detector duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"detector"},
		),
		FlagsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abuse_flags_raised_total",
				Help: "Flags written.",
			},
			[]string{"kind", "severity"},
		),
		FlagsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abuse_flags_suppressed_total",
				Help: "Flags dropped by the cool-down.",
			},
			[]string{"kind"},
		),
		EscalationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "abuse_escalation_failures_total",
				Help: "Account escalations that failed after the flag was stored.",
			},
		),
	}

	registry.MustRegister(m.DetectorVerdicts, m.DetectorFailures, m.DetectorDuration, m.FlagsRaised, m.FlagsSuppressed, m.EscalationFailures)
	return m
}
