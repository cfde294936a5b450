package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"csvscan/internal/metrics"
)

// readCounterValue reads the current value of a Counter for assertions.
func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Counter.Write() error = %v", err)
	}
	if m.GetCounter() == nil {
		t.Fatalf("metric did not contain Counter value")
	}
	return m.GetCounter().GetValue()
}

// readSummaryCountSum reads sample count and sum from a SummaryVec.
func readSummaryCountSum(t *testing.T, v *prometheus.SummaryVec, labels ...string) (uint64, float64) {
	t.Helper()

	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(labels...).(prometheus.Metric)
	if !ok {
		t.Fatalf("SummaryVec.WithLabelValues(...) does not implement prometheus.Metric")
	}
	if err := metric.Write(m); err != nil {
		t.Fatalf("Summary.Write() error = %v", err)
	}
	if m.GetSummary() == nil {
		t.Fatalf("metric did not contain Summary value")
	}
	sum := m.GetSummary()
	return sum.GetSampleCount(), sum.GetSampleSum()
}

// TestNewBackend validates field initialization, defaults, and basic metric
// usability.
func TestNewBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		jobName     string
		gatewayURL  string
		wantErr     bool
		wantJobName string
	}{
		{
			name:       "missing gateway URL returns error",
			jobName:    "scan-job",
			gatewayURL: "",
			wantErr:    true,
		},
		{
			name:        "empty job name uses default",
			jobName:     "",
			gatewayURL:  "http://pushgateway:9091",
			wantJobName: "csvscan",
		},
		{
			name:        "explicit job name is preserved",
			jobName:     "my-custom-job",
			gatewayURL:  "http://pushgateway:9091",
			wantJobName: "my-custom-job",
		},
	}

	for _, tt := range tests {
		tt := tt // capture
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := NewBackend(tt.jobName, tt.gatewayURL)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewBackend(%q, %q) error = nil, want non-nil", tt.jobName, tt.gatewayURL)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend(%q, %q) error = %v, want nil", tt.jobName, tt.gatewayURL, err)
			}
			if b.jobName != tt.wantJobName {
				t.Fatalf("backend.jobName = %q, want %q", b.jobName, tt.wantJobName)
			}
			if b.gatewayURL != tt.gatewayURL {
				t.Fatalf("backend.gatewayURL = %q, want %q", b.gatewayURL, tt.gatewayURL)
			}

			// Metric label cardinality: these calls should not panic.
			b.phaseCounter.WithLabelValues("load", "success").Add(1)
			b.phaseDuration.WithLabelValues("scan", "failure").Observe(0.5)
			b.rowCounter.WithLabelValues("emitted").Add(1)
			b.batchCounter.Add(1)
		})
	}
}

// TestIncCounter routes updates to the correct collectors and ignores unknown
// metric names.
func TestIncCounter(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("csvscan", "http://example.com")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.IncCounter("csvscan_phase_total", 3, metrics.Labels{"phase": "scan", "status": "success"})
	b.IncCounter("csvscan_rows_total", 5, metrics.Labels{"kind": "emitted"})
	b.IncCounter("csvscan_batches_total", 2, metrics.Labels{})
	b.IncCounter("unknown_metric", 10, metrics.Labels{"foo": "bar"})

	if got := readCounterValue(t, b.phaseCounter.WithLabelValues("scan", "success")); got != 3 {
		t.Fatalf("phaseCounter value = %v, want 3", got)
	}
	if got := readCounterValue(t, b.rowCounter.WithLabelValues("emitted")); got != 5 {
		t.Fatalf("rowCounter value = %v, want 5", got)
	}
	if got := readCounterValue(t, b.batchCounter); got != 2 {
		t.Fatalf("batchCounter value = %v, want 2", got)
	}
	if got := readCounterValue(t, b.phaseCounter.WithLabelValues("x", "y")); got != 0 {
		t.Fatalf("untouched phaseCounter value = %v, want 0", got)
	}
}

// TestObserveHistogram records on the phase-duration summary for the known
// metric name only.
func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("csvscan", "http://example.com")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.ObserveHistogram("csvscan_phase_duration_seconds", 1.5, metrics.Labels{"phase": "load", "status": "success"})
	b.ObserveHistogram("other_metric", 2.0, metrics.Labels{"phase": "load", "status": "success"})

	count, sum := readSummaryCountSum(t, b.phaseDuration, "load", "success")
	if count != 1 || sum != 1.5 {
		t.Fatalf("summary = (%d, %v), want (1, 1.5)", count, sum)
	}
}

// TestFlush pushes the registry to the configured Pushgateway URL.
func TestFlush(t *testing.T) {
	t.Parallel()

	type pushRequestInfo struct {
		method  string
		path    string
		bodyLen int
	}
	reqCh := make(chan pushRequestInfo, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushRequestInfo{method: r.Method, path: r.URL.Path, bodyLen: len(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("scan-job", server.URL)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	b.IncCounter("csvscan_phase_total", 1, metrics.Labels{"phase": "scan", "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var got pushRequestInfo
	select {
	case got = <-reqCh:
	default:
		t.Fatalf("Flush() did not result in any HTTP request to the Pushgateway")
	}
	if got.method == "" || got.path == "" || got.bodyLen == 0 {
		t.Fatalf("push request incomplete: %+v", got)
	}
}

// BenchmarkIncCounterPhase measures the cost of incrementing through the
// Backend abstraction.
func BenchmarkIncCounterPhase(b *testing.B) {
	backend, err := NewBackend("csvscan", "http://example.com")
	if err != nil {
		b.Fatalf("NewBackend() error = %v", err)
	}
	labels := metrics.Labels{"phase": "scan", "status": "success"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		backend.IncCounter("csvscan_phase_total", 1, labels)
	}
}
