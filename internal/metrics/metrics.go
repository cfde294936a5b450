// Package metrics is a small backend-agnostic layer for recording scan
// telemetry: per-phase timings, row counts, and batch counts.
//
// A global pluggable backend defaults to a no-op, so call sites never guard
// on whether metrics are configured. Concrete systems (Prometheus Pushgateway,
// DogStatsD) live in subpackages and are installed with SetBackend, mirroring
// the registration pattern of the storage package.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface metric systems implement.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a duration-style observation.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered metrics for backends that need it.
	Flush() error
}

// nopBackend keeps metrics optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the current one.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordPhase measures latency plus success/failure of one scan phase
// ("scan", "load", "rejects").
func RecordPhase(job, phase string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"job":    job,
		"phase":  phase,
		"status": status,
	}

	backend.IncCounter("csvscan_phase_total", 1, lbls)
	backend.ObserveHistogram("csvscan_phase_duration_seconds", d.Seconds(), lbls)
}

// RecordRows increments a row-level counter for the given job and kind.
//
// Kinds mirror the scan summary fields:
//   - "emitted"  rows that passed casting
//   - "errors"   rows that produced a row error
//   - "rejected" rows persisted to the rejects table
//   - "inserted" rows written to the destination table
func RecordRows(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("csvscan_rows_total", float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatches increments the flushed-batch counter for the given job.
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("csvscan_batches_total", float64(delta), Labels{
		"job": job,
	})
}
