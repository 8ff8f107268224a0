// Command banks_etl fetches the list of largest banks from Wikipedia and
// replaces the largest_banks_2025 table with it.
//
// Configuration comes from the environment (optionally seeded from .env or
// ENV_FILE):
//
//	DB_KIND=postgres DB_USER=etl DB_PASSWORD=... DB_NAME=banks banks_etl
//
// Exit codes: 0 success, 1 runtime failure, 2 configuration error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"banksetl/internal/config"
	"banksetl/internal/extracthtml"
	"banksetl/internal/metrics"
	"banksetl/internal/metrics/datadog"
	"banksetl/internal/pipeline"
	"banksetl/internal/records"
	"banksetl/internal/storage"
	"banksetl/internal/throttle"

	// register all backends with the storage factory.
	// DB_KIND selects which one is used.
	_ "banksetl/internal/storage/all"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "banks_etl: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Getenv, os.Stdout, os.Stderr, http.DefaultClient)
	stop()
	os.Exit(code)
}

// run is split out from main so we can unit test the command without spawning
// an OS process.
//
// It returns a Unix-style exit code:
//   - 0 for success
//   - 2 for configuration errors
//   - 1 for runtime errors
func run(
	ctx context.Context,
	getenv func(string) string,
	stdout io.Writer,
	stderr io.Writer,
	httpClient *http.Client,
) int {
	cfg, err := config.FromEnv(getenv)
	if err != nil {
		fmt.Fprintf(stderr, "banks_etl: %v\n", err)
		return 2
	}

	logger := log.New(stderr, "banks_etl: ", log.LstdFlags)

	closeMetrics := setupMetrics(ctx, cfg, logger)
	defer closeMetrics()

	loader := extracthtml.NewLoader(httpClient, extracthtml.Options{
		Timeout:   cfg.Scrape.Timeout,
		UserAgent: cfg.Scrape.UserAgent,
		Gate: throttle.NewGate(throttle.Policy{
			MinInterval: cfg.Scrape.Delay,
			Jitter:      cfg.Scrape.Jitter,
		}),
		RespectRobots: cfg.Scrape.RespectRobots,
		JobName:       cfg.Metrics.JobName,
	})

	runner := &pipeline.Runner{
		Fetch:  loader,
		Stdout: stdout,
	}
	if cfg.Verbose {
		runner.Logger = logger
		logger.Printf("config: url=%s kind=%s host=%s port=%d db=%s table=%s delay=%s numeric=%v",
			cfg.Scrape.URL, cfg.DB.Kind, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name, cfg.DB.Table,
			cfg.Scrape.Delay, cfg.AssetsNumeric)
	}

	job := pipeline.Job{
		URL:      cfg.Scrape.URL,
		Columns:  records.DefaultColumns(),
		Mappings: extracthtml.BankAssetMappings(),
		Table:    cfg.DB.Table,
		Storage: storage.Config{
			Kind:     cfg.DB.Kind,
			DSN:      cfg.DB.DSN(),
			Database: cfg.DB.Name,
		},
	}
	if cfg.AssetsNumeric {
		job.NumericColumns = []string{records.ColumnAssets}
	}

	if _, err := runner.Run(ctx, job); err != nil {
		fmt.Fprintf(stderr, "banks_etl: %v\n", err)
		if errors.Is(err, storage.ErrMissingDatabase) {
			fmt.Fprintf(stderr, "banks_etl: set DB_NAME to the target database\n")
		}
		return 1
	}
	return 0
}

// setupMetrics installs the configured backend and returns its shutdown
// function. A backend that fails to start leaves the nop backend in place.
func setupMetrics(ctx context.Context, cfg config.Config, logger *log.Logger) func() {
	switch cfg.Metrics.Backend {
	case config.MetricsDatadog:
		// Close() stops the periodic flush loop and then performs a final Flush().
		// The flush context must outlive an interrupted run.
		ddCtx := context.WithoutCancel(ctx)
		tags := datadog.ParseTagsCSV(cfg.Metrics.Tags)
		b, err := datadog.NewBackend(ddCtx, datadog.Options{
			JobName:    cfg.Metrics.JobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		if cfg.Verbose {
			logger.Printf("metrics: backend=datadog job_name=%s tags=%v", cfg.Metrics.JobName, tags)
		}
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logger.Printf("metrics: datadog close/flush error: %v", err)
			}
			metrics.SetBackend(nil)
		}

	default:
		// metrics disabled; nop backend remains
		return func() {}
	}
}
