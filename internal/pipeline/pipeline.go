// Package pipeline sequences one ETL run: fetch the page, extract the first
// table body into a frame, optionally coerce numeric columns, and replace the
// target table with the frame.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"banksetl/internal/extracthtml"
	"banksetl/internal/metrics"
	"banksetl/internal/records"
	"banksetl/internal/storage"
)

// Fetcher returns page HTML. *extracthtml.Loader implements it.
type Fetcher interface {
	Load(ctx context.Context, in extracthtml.Input) (string, error)
}

// Job describes one run.
type Job struct {
	URL      string
	Columns  []string
	Mappings []extracthtml.Mapping

	// NumericColumns are coerced to float64 before loading. Empty keeps
	// every column as extracted text.
	NumericColumns []string

	Table   string
	Storage storage.Config
}

// Result summarizes a successful run.
type Result struct {
	Table     string
	Extracted int
	Loaded    int64
	Duration  time.Duration
}

// Runner executes jobs. Fetch is required; the rest have defaults.
type Runner struct {
	Fetch Fetcher

	// storage-agnostic factory seam; defaults to storage.New
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	// Stdout receives the confirmation line. Defaults to io.Discard.
	Stdout io.Writer

	// Logger receives progress lines. nil disables them.
	Logger *log.Logger
}

// Run performs the job. Any failure aborts the run; the error is prefixed with
// the failing step ("fetch", "extract", "transform" or "load").
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	res := Result{Table: job.Table}

	if r.Fetch == nil {
		return res, fmt.Errorf("pipeline: no fetcher configured")
	}

	var html string
	err := r.step("fetch", func() error {
		var err error
		html, err = r.Fetch.Load(ctx, extracthtml.Input{URL: job.URL})
		return err
	})
	if err != nil {
		return res, err
	}
	r.logf("fetch: %d bytes from %s", len(html), job.URL)

	var frame *records.Frame
	err = r.step("extract", func() error {
		var err error
		frame, err = extracthtml.ExtractFrame(html, job.Columns, job.Mappings)
		return err
	})
	if err != nil {
		return res, err
	}
	res.Extracted = frame.Len()
	metrics.RecordRecords("extracted", res.Extracted)
	r.logf("extract: %d records", res.Extracted)

	if len(job.NumericColumns) > 0 {
		err = r.step("transform", func() error {
			for _, c := range job.NumericColumns {
				if err := frame.CoerceFloat(c); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return res, err
		}
	}

	err = r.step("load", func() error {
		n, err := r.load(ctx, job, frame)
		res.Loaded = n
		return err
	})
	if err != nil {
		return res, err
	}
	metrics.RecordRecords("loaded", int(res.Loaded))

	res.Duration = time.Since(start)
	r.logf("load: %d rows into %s in %s", res.Loaded, job.Table, res.Duration.Truncate(time.Millisecond))

	out := r.Stdout
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "Data successfully written to the '%s' table.\n", job.Table)
	return res, nil
}

func (r *Runner) load(ctx context.Context, job Job, frame *records.Frame) (int64, error) {
	rows := frame.Rows()
	spec := storage.InferTableSpec(job.Table, frame.Columns, rows)

	newRepo := r.NewRepository
	if newRepo == nil {
		newRepo = storage.New
	}
	repo, err := newRepo(ctx, job.Storage)
	if err != nil {
		return 0, err
	}
	defer repo.Close()

	return repo.ReplaceTable(ctx, spec, rows)
}

// step runs fn, records its outcome and duration, and prefixes errors with
// the step name.
func (r *Runner) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStep(name, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
