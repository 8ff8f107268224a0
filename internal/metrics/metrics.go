// Package metrics is the backend-agnostic instrumentation facade used by the
// pipeline. Core code only calls the helpers in this package; a concrete
// backend (e.g. metrics/datadog) is installed once by the command.
//
// With no backend installed every call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

// Metric names understood by backends.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"

	HTTPRequestsTotal          = "etl_http_requests_total"
	HTTPErrorsTotal            = "etl_http_errors_total"
	HTTPRequestDurationSeconds = "etl_http_request_duration_seconds"
	HTTPDownloadBytes          = "etl_http_download_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter adds delta to a counter on the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample on the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStep records the outcome and duration of one pipeline step.
// status is "ok" when err is nil and "error" otherwise.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts records by kind (e.g. "extracted", "loaded").
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP records one HTTP request attempt.
//
// statusCode is 0 when no response was received. size < 0 means unknown and
// is not observed.
func RecordHTTP(job string, statusCode int, err error, d time.Duration, size int64) {
	status := "none"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	l := Labels{"job": job, "status": status}

	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || statusCode < 200 || statusCode >= 300 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	ObserveHistogram(HTTPRequestDurationSeconds, d.Seconds(), l)
	if size >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(size), l)
	}
}
