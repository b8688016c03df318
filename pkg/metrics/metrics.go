// Package metrics holds the Prometheus collectors of a scan. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulseworm"

type Collectors struct {
	PayloadsSent  *prometheus.CounterVec
	Crashes       *prometheus.CounterVec
	Anomalies     *prometheus.CounterVec
	Generations   *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec
	TargetsFailed prometheus.Counter
	ServicesFound *prometheus.CounterVec
	Techniques    *prometheus.CounterVec
	OracleLatency prometheus.Histogram
	ActiveTargets prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		PayloadsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_sent_total",
			Help:      "Total number of fuzz payloads sent",
		}, []string{"protocol"}),
		Crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crashes_total",
			Help:      "Payloads of final generations that got no reply",
		}, []string{"protocol"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Payloads of final generations scoring above the anomaly threshold",
		}, []string{"protocol"}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generations evaluated",
		}, []string{"protocol"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Fuzzing runs finished",
		}, []string{"protocol"}),
		TargetsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_failed_total",
			Help:      "Targets whose pipeline ended in an error",
		}),
		ServicesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "services_found_total",
			Help:      "Open services discovered",
		}, []string{"protocol"}),
		Techniques: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evasion_techniques_total",
			Help:      "Evasion techniques applied to payloads",
		}, []string{"technique"}),
		OracleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_roundtrip_seconds",
			Help:      "Time from connect to reply per payload",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		ActiveTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_targets",
			Help:      "Target pipelines currently running",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.PayloadsSent, c.Crashes, c.Anomalies, c.Generations, c.RunsCompleted,
		c.TargetsFailed, c.ServicesFound, c.Techniques, c.OracleLatency, c.ActiveTargets,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) PayloadSent(protocol string, took time.Duration) {
	if c == nil {
		return
	}
	c.PayloadsSent.WithLabelValues(protocol).Inc()
	c.OracleLatency.Observe(took.Seconds())
}

func (c *Collectors) GenerationDone(protocol string) {
	if c == nil {
		return
	}
	c.Generations.WithLabelValues(protocol).Inc()
}

func (c *Collectors) TechniqueApplied(technique string) {
	if c == nil {
		return
	}
	c.Techniques.WithLabelValues(technique).Inc()
}

// RunDone records the outcome of a finished fuzzing run.
func (c *Collectors) RunDone(protocol string, crashes, anomalies int) {
	if c == nil {
		return
	}
	c.RunsCompleted.WithLabelValues(protocol).Inc()
	c.Crashes.WithLabelValues(protocol).Add(float64(crashes))
	c.Anomalies.WithLabelValues(protocol).Add(float64(anomalies))
}

func (c *Collectors) ServiceFound(protocol string) {
	if c == nil {
		return
	}
	c.ServicesFound.WithLabelValues(protocol).Inc()
}

func (c *Collectors) TargetFailed() {
	if c == nil {
		return
	}
	c.TargetsFailed.Inc()
}

// TargetStarted bumps the active gauge and returns the matching decrement.
func (c *Collectors) TargetStarted() func() {
	if c == nil {
		return func() {}
	}
	c.ActiveTargets.Inc()
	return c.ActiveTargets.Dec
}
