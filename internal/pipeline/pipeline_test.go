package pipeline

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"banksetl/internal/extracthtml"
	"banksetl/internal/metrics"
	"banksetl/internal/records"
	"banksetl/internal/storage"
)

const twoBanks = `<table><tbody>
<tr><th>Rank</th><th>Bank</th><th>Assets</th></tr>
<tr><td>1</td><td><a title="A">a</a> <a title="Bank Alpha">Bank Alpha</a></td><td>100</td></tr>
<tr><td>2</td><td><a title="B">b</a> <a title="Bank Beta">Bank Beta</a></td><td>50</td></tr>
</tbody></table>`

type fakeFetcher struct {
	html string
	err  error
	got  extracthtml.Input
}

func (f *fakeFetcher) Load(ctx context.Context, in extracthtml.Input) (string, error) {
	f.got = in
	return f.html, f.err
}

type fakeRepo struct {
	spec       storage.TableSpec
	rows       [][]any
	replaced   int
	closeCalls int
	err        error
}

func (f *fakeRepo) ReplaceTable(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	f.replaced++
	f.spec = spec
	f.rows = rows
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(rows)), nil
}

func (f *fakeRepo) Close() { f.closeCalls++ }

func bankJob() Job {
	return Job{
		URL:      "https://example.test/wiki/List_of_largest_banks",
		Columns:  records.DefaultColumns(),
		Mappings: extracthtml.BankAssetMappings(),
		Table:    "largest_banks_2025",
		Storage:  storage.Config{Kind: "fake", Database: "banks"},
	}
}

func newRunner(f Fetcher, repo *fakeRepo, stdout *bytes.Buffer) (*Runner, *int) {
	opened := 0
	return &Runner{
		Fetch: f,
		NewRepository: func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
			opened++
			return repo, nil
		},
		Stdout: stdout,
	}, &opened
}

func TestRun_LoadsExtractedRows(t *testing.T) {
	t.Parallel()

	fetch := &fakeFetcher{html: twoBanks}
	repo := &fakeRepo{}
	var stdout bytes.Buffer
	r, _ := newRunner(fetch, repo, &stdout)

	res, err := r.Run(context.Background(), bankJob())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fetch.got.URL != bankJob().URL {
		t.Fatalf("fetched %q", fetch.got.URL)
	}
	want := [][]any{{"Bank Alpha", "100"}, {"Bank Beta", "50"}}
	if !reflect.DeepEqual(repo.rows, want) {
		t.Fatalf("unexpected rows: %#v", repo.rows)
	}
	if repo.spec.Name != "largest_banks_2025" || repo.spec.Columns[1].Type != storage.TypeText {
		t.Fatalf("unexpected spec: %+v", repo.spec)
	}
	if repo.closeCalls != 1 {
		t.Fatalf("repository not closed")
	}
	if res.Extracted != 2 || res.Loaded != 2 || res.Table != "largest_banks_2025" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := stdout.String(); got != "Data successfully written to the 'largest_banks_2025' table.\n" {
		t.Fatalf("unexpected confirmation: %q", got)
	}
}

func TestRun_NumericColumns(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	r, _ := newRunner(&fakeFetcher{html: twoBanks}, repo, &bytes.Buffer{})

	job := bankJob()
	job.NumericColumns = []string{records.ColumnAssets}
	if _, err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.rows[0][1] != 100.0 || repo.spec.Columns[1].Type != storage.TypeDouble {
		t.Fatalf("assets not coerced: rows=%#v spec=%+v", repo.rows, repo.spec)
	}
}

// TestRun_EmptyBodyStillReplaces verifies an empty table body still reaches
// the loader, so the target ends up with zero rows.
func TestRun_EmptyBodyStillReplaces(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	var stdout bytes.Buffer
	r, _ := newRunner(&fakeFetcher{html: `<table><tbody></tbody></table>`}, repo, &stdout)

	res, err := r.Run(context.Background(), bankJob())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.replaced != 1 || len(repo.rows) != 0 || res.Loaded != 0 {
		t.Fatalf("expected one empty replace, got replaced=%d rows=%d", repo.replaced, len(repo.rows))
	}
	if len(repo.spec.Columns) != 2 {
		t.Fatalf("empty replace must still define columns: %+v", repo.spec)
	}
	if !strings.Contains(stdout.String(), "largest_banks_2025") {
		t.Fatalf("missing confirmation")
	}
}

func TestRun_FailsFast(t *testing.T) {
	t.Parallel()

	badRow := strings.Replace(twoBanks, `<a title="Bank Beta">`, `<a>`, 1)

	cases := []struct {
		name    string
		fetch   *fakeFetcher
		numeric bool
		repoErr error
		prefix  string
		is      error
		opened  bool
	}{
		{name: "fetch", fetch: &fakeFetcher{err: errors.New("dial tcp: refused")}, prefix: "fetch: "},
		{name: "no_tbody", fetch: &fakeFetcher{html: "<p>gone</p>"}, prefix: "extract: ", is: extracthtml.ErrNoTableBody},
		{name: "row_structure", fetch: &fakeFetcher{html: badRow}, prefix: "extract: ", is: extracthtml.ErrRowStructure},
		{
			name:    "transform",
			fetch:   &fakeFetcher{html: strings.Replace(twoBanks, "<td>50</td>", "<td>n/a</td>", 1)},
			numeric: true,
			prefix:  "transform: ",
		},
		{
			name:    "replace",
			fetch:   &fakeFetcher{html: twoBanks},
			repoErr: errors.New("disk full"),
			prefix:  "load: ",
			opened:  true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := &fakeRepo{err: tc.repoErr}
			var stdout bytes.Buffer
			r, opened := newRunner(tc.fetch, repo, &stdout)

			job := bankJob()
			if tc.numeric {
				job.NumericColumns = []string{records.ColumnAssets}
			}
			_, err := r.Run(context.Background(), job)
			if err == nil || !strings.HasPrefix(err.Error(), tc.prefix) {
				t.Fatalf("expected %q error, got %v", tc.prefix, err)
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Fatalf("expected errors.Is(%v), got %v", tc.is, err)
			}
			if (*opened > 0) != tc.opened {
				t.Fatalf("repository opened=%d, want opened=%v", *opened, tc.opened)
			}
			if tc.opened && repo.closeCalls != 1 {
				t.Fatalf("repository must be closed after a failed replace")
			}
			if stdout.Len() != 0 {
				t.Fatalf("no confirmation on failure, got %q", stdout.String())
			}
		})
	}
}

// TestRun_MissingDatabase goes through the real storage registry: an unset
// database name fails at connection time and the backend is never reached.
func TestRun_MissingDatabase(t *testing.T) {
	t.Parallel()

	storage.Register("pipeline-nodb", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		t.Errorf("backend must not be opened without a database")
		return &fakeRepo{}, nil
	})

	r := &Runner{Fetch: &fakeFetcher{html: twoBanks}}
	job := bankJob()
	job.Storage = storage.Config{Kind: "pipeline-nodb", DSN: "postgres://localhost:5432/"}

	_, err := r.Run(context.Background(), job)
	if err == nil || !strings.HasPrefix(err.Error(), "load: ") {
		t.Fatalf("expected load error, got %v", err)
	}
	if !errors.Is(err, storage.ErrMissingDatabase) {
		t.Fatalf("expected ErrMissingDatabase, got %v", err)
	}
}

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (b *recordingBackend) IncCounter(name string, delta float64, labels metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[name+"|"+labels["step"]+labels["kind"]+"|"+labels["status"]] += delta
}

func (b *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}

// TestRun_RecordsMetrics touches the global metrics backend, so it does not
// run in parallel with itself.
func TestRun_RecordsMetrics(t *testing.T) {
	b := &recordingBackend{counters: map[string]float64{}}
	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	r, _ := newRunner(&fakeFetcher{html: twoBanks}, &fakeRepo{}, &bytes.Buffer{})
	if _, err := r.Run(context.Background(), bankJob()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{
		metrics.StepTotal + "|fetch|ok",
		metrics.StepTotal + "|extract|ok",
		metrics.StepTotal + "|load|ok",
		metrics.RecordsTotal + "|extracted|",
		metrics.RecordsTotal + "|loaded|",
	} {
		if b.counters[key] == 0 {
			t.Fatalf("missing %s in %v", key, b.counters)
		}
	}
}
