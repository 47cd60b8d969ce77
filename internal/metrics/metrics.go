// Package metrics exposes Prometheus instrumentation for the reconcile loop
// and serves it alongside liveness and readiness endpoints.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
)

const namespace = "configwatch"

// Metrics holds every collector. Each instance owns its registry so tests
// never collide on global registration.
type Metrics struct {
	registry *prometheus.Registry

	scansTotal        *prometheus.CounterVec
	scanDuration      prometheus.Histogram
	scansSkipped      *prometheus.CounterVec
	findingsTotal     *prometheus.CounterVec
	suppressedTotal   *prometheus.CounterVec
	remediationsTotal *prometheus.CounterVec
	reloadsTotal      *prometheus.CounterVec
	probeErrors       *prometheus.CounterVec
	probeDuration     *prometheus.HistogramVec
	lastFindings      prometheus.Gauge
	lastScan          prometheus.Gauge
	handledEntries    prometheus.Gauge
}

// New creates and registers the collectors, including the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total scan cycles by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Duration of complete scan and remediation cycles",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		scansSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_skipped_total",
				Help:      "Triggers dropped because a cycle was already running",
			},
			[]string{"trigger"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Findings detected by kind",
			},
			[]string{"kind"},
		),
		suppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_suppressed_total",
				Help:      "Findings suppressed because they were handled recently",
			},
			[]string{"kind"},
		),
		remediationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Remediation attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reloads_total",
				Help:      "Reload trigger touches by result",
			},
			[]string{"result"},
		),
		probeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "errors_total",
				Help:      "Probe runs that failed and contributed no findings",
			},
			[]string{"probe", "reason"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "duration_seconds",
				Help:      "Duration of individual probe runs",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"probe"},
		),
		lastFindings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_scan_findings",
				Help:      "Findings detected by the most recent scan",
			},
		),
		lastScan: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_scan_timestamp_seconds",
				Help:      "Unix time the most recent scan finished",
			},
		),
		handledEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "handled_cache_entries",
				Help:      "Entries currently held by the handled-finding cache",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scansTotal,
		m.scanDuration,
		m.scansSkipped,
		m.findingsTotal,
		m.suppressedTotal,
		m.remediationsTotal,
		m.reloadsTotal,
		m.probeErrors,
		m.probeDuration,
		m.lastFindings,
		m.lastScan,
		m.handledEntries,
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordScan records a finished cycle.
func (m *Metrics) RecordScan(trigger, outcome string, findings int, elapsed time.Duration, finishedAt time.Time) {
	m.scansTotal.WithLabelValues(trigger, outcome).Inc()
	m.scanDuration.Observe(elapsed.Seconds())
	m.lastFindings.Set(float64(findings))
	m.lastScan.Set(float64(finishedAt.Unix()))
}

// RecordSkipped counts a trigger dropped by the reentrancy guard.
func (m *Metrics) RecordSkipped(trigger string) {
	m.scansSkipped.WithLabelValues(trigger).Inc()
}

// RecordFindings counts detected and suppressed findings per kind.
func (m *Metrics) RecordFindings(detected, suppressed []finding.Finding) {
	for _, f := range detected {
		m.findingsTotal.WithLabelValues(string(f.Kind)).Inc()
	}
	for _, f := range suppressed {
		m.suppressedTotal.WithLabelValues(string(f.Kind)).Inc()
	}
}

// RecordRemediation counts one remediation attempt.
func (m *Metrics) RecordRemediation(kind finding.Kind, result string) {
	m.remediationsTotal.WithLabelValues(string(kind), result).Inc()
}

// RecordReload counts one reload touch.
func (m *Metrics) RecordReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.reloadsTotal.WithLabelValues(result).Inc()
}

// SetHandledEntries reports the size of the handled-finding cache.
func (m *Metrics) SetHandledEntries(n int) {
	m.handledEntries.Set(float64(n))
}

// ObserveProbe implements probe.Observer.
func (m *Metrics) ObserveProbe(name string, _ int, err error, elapsed time.Duration) {
	m.probeDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		m.probeErrors.WithLabelValues(name, probeErrorReason(err)).Inc()
	}
}

func probeErrorReason(err error) string {
	var opErr *cwerrors.OpError
	switch {
	case errors.As(err, &opErr) && opErr.Type == cwerrors.ErrorTypeProbe:
		return "probe"
	default:
		return "other"
	}
}
