package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"banksetl/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	ctxErrs  []error
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// quietOptions returns options whose ticker never fires during a test.
func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:   "job1",
		submitter: fs,
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	t.Parallel()

	if wrapInitErr(nil) != nil {
		t.Fatalf("wrapInitErr(nil) should be nil")
	}
	base := errors.New("x")
	err := wrapInitErr(base)
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error should unwrap to base")
	}
}

func TestStepStatusKeyRoundTrip(t *testing.T) {
	t.Parallel()

	step, status := splitStepStatusKey(stepStatusKey("extract", "ok"))
	if step != "extract" || status != "ok" {
		t.Fatalf("round trip: got %q %q", step, status)
	}
	step, status = splitStepStatusKey("plain")
	if step != "plain" || status != "unknown" {
		t.Fatalf("malformed key: got %q %q", step, status)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5}
	cases := map[float64]float64{0: 1, 0.5: 3, 0.9: 5, 1: 5}
	for p, want := range cases {
		if got := percentileNearestRank(s, p); got != want {
			t.Fatalf("p=%v: got %v want %v", p, got, want)
		}
	}
	if percentileNearestRank(nil, 0.5) != 0 {
		t.Fatalf("empty slice should yield 0")
	}
}

func TestAppendPercentiles_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	samples := []float64{3, 1, 2}
	series := appendPercentiles(nil, "m", samples, []string{"a:b"}, 1)
	if len(series) != 5 {
		t.Fatalf("expected 5 series, got %d", len(series))
	}
	if !reflect.DeepEqual(samples, []float64{3, 1, 2}) {
		t.Fatalf("input mutated: %v", samples)
	}
	if series[3].Metric != "m.max" || *series[3].Points[0].Value != 3 {
		t.Fatalf("unexpected max series: %+v", series[3])
	}
	if got := appendPercentiles(nil, "m", nil, nil, 1); len(got) != 0 {
		t.Fatalf("expected no series for empty samples")
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.Tags = []string{"service:banks"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:banks_etl") || !contains(b.baseTags, "service:banks") {
		t.Fatalf("unexpected base tags: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	metrics.RecordStep("extract", nil, 500*time.Millisecond)
	metrics.RecordRecords("extracted", 3)
	metrics.RecordHTTP("job1", 200, nil, 100*time.Millisecond, 2048)

	if err := metrics.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.stepCounts) != 0 || len(b.recordCounts) != 0 || len(b.httpReqDur) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	sort.Strings(names)

	for _, w := range []string{
		"banks_etl.step.total",
		"banks_etl.step.duration_seconds.p50",
		"banks_etl.records.total",
		"banks_etl.http.requests.total",
		"banks_etl.http.request_duration_seconds.samples",
		"banks_etl.http.download_bytes.max",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing %q; got=%v", w, names)
		}
	}
	if contains(names, "banks_etl.http.errors.total") {
		t.Fatalf("unexpected error series for a 200 response")
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d", fs.count())
	}
}

func TestFlush_ReturnsSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { fs.err = nil; _ = b.Close() }()

	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "loaded"})
	if err := b.Flush(); err == nil {
		t.Fatalf("expected submit error")
	}
	if len(b.recordCounts) != 0 {
		t.Fatalf("buffers must be reset even when submission fails")
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "extracted"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background submission")
	}

	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "loaded"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected final flush on Close; got %d submissions", fs.count())
	}
}

func TestIncCounterAndObserveHistogram_Ignored(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RecordsTotal, 0, metrics.Labels{"kind": "x"})
	b.IncCounter(metrics.RecordsTotal, 1, nil)
	b.IncCounter("unknown_metric", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, nil)
	b.ObserveHistogram("unknown_hist", 1, nil)
	b.IncCounter(metrics.HTTPRequestsTotal, 1, nil)

	if len(b.recordCounts) != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("ignored observations were buffered")
	}
	if b.httpReqCounts["unknown"] != 1 {
		t.Fatalf("missing status should default to unknown: %v", b.httpReqCounts)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	if ParseTagsCSV("") != nil {
		t.Fatalf("empty input should yield nil")
	}
	got := ParseTagsCSV(" env:prod, ,service:banks ")
	want := []string{"env:prod", "service:banks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

// TestClose_FlushesAfterParentCancelled checks that an interrupted run still
// submits its buffered series on Close.
func TestClose_FlushesAfterParentCancelled(t *testing.T) {
	t.Parallel()

	fs := &fakeSubmitter{}
	ctx, cancel := context.WithCancel(context.Background())

	b, err := NewBackend(ctx, quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "fetch", "status": "error"})

	cancel()

	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("expected one submission, got %d", fs.count())
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.ctxErrs[0] != nil {
		t.Fatalf("submit context err=%v, want live context", fs.ctxErrs[0])
	}
}

func TestNewBackend_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	opts := Options{
		getenv:    func(string) string { return "  " },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
	b, err := NewBackend(context.Background(), opts)
	if err == nil {
		_ = b.Close()
		t.Fatalf("expected error without DD_API_KEY")
	}
	if b != nil {
		t.Fatalf("expected nil backend on error")
	}

	opts.getenv = func(k string) string {
		if k == "DD_API_KEY" {
			return "test-key"
		}
		return ""
	}
	b, err = NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	if b.api == nil {
		t.Fatalf("expected real submitter")
	}
	// nothing buffered, so Close does not reach the network
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
}
