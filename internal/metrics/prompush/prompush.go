// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Scans are short-lived batch jobs, so metrics are collected in a private
// registry and pushed to a Pushgateway at the end of the run instead of being
// exposed on a scrape endpoint. All Prometheus-specific dependencies stay in
// this package; the rest of the project sees only metrics.Backend.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"csvscan/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	phaseCounter  *prometheus.CounterVec // "csvscan_phase_total"
	phaseDuration *prometheus.SummaryVec // "csvscan_phase_duration_seconds"
	rowCounter    *prometheus.CounterVec // "csvscan_rows_total"
	batchCounter  prometheus.Counter     // "csvscan_batches_total"
}

// NewBackend constructs a Pushgateway backend. jobName doubles as the
// Pushgateway grouping key; gatewayURL is required.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "csvscan"
	}

	reg := prometheus.NewRegistry()

	phaseCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvscan_phase_total",
			Help: "Total scan phase executions, partitioned by phase and status.",
		},
		[]string{"phase", "status"},
	)
	phaseDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "csvscan_phase_duration_seconds",
			Help:       "Duration of scan phases in seconds, partitioned by phase and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"phase", "status"},
	)
	rowCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvscan_rows_total",
			Help: "Row-level counts per kind (emitted, errors, rejected, inserted).",
		},
		[]string{"kind"},
	)
	batchCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csvscan_batches_total",
			Help: "Total number of bulk-insert batches flushed by this scan.",
		},
	)

	if err := reg.Register(phaseCounter); err != nil {
		return nil, fmt.Errorf("prompush: register phase counter: %w", err)
	}
	if err := reg.Register(phaseDuration); err != nil {
		return nil, fmt.Errorf("prompush: register phase summary: %w", err)
	}
	if err := reg.Register(rowCounter); err != nil {
		return nil, fmt.Errorf("prompush: register row counter: %w", err)
	}
	if err := reg.Register(batchCounter); err != nil {
		return nil, fmt.Errorf("prompush: register batch counter: %w", err)
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		phaseCounter:  phaseCounter,
		phaseDuration: phaseDuration,
		rowCounter:    rowCounter,
		batchCounter:  batchCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "csvscan_phase_total":
		b.phaseCounter.WithLabelValues(labels["phase"], labels["status"]).Add(delta)
	case "csvscan_rows_total":
		b.rowCounter.WithLabelValues(labels["kind"]).Add(delta)
	case "csvscan_batches_total":
		b.batchCounter.Add(delta)
	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "csvscan_phase_duration_seconds" {
		return
	}
	b.phaseDuration.WithLabelValues(labels["phase"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
