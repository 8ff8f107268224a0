// Command inspect_table reads a page (from stdin or a URL), extracts the first
// table body with the bank/asset mappings, and prints the records as JSON.
//
// Usage (stdin):
//
//	cat page.html | inspect_table
//
// Usage (fetch URL, with a politeness delay):
//
//	inspect_table -url "https://en.wikipedia.org/wiki/List_of_largest_banks" -delay 10s
//
// Usage (custom mappings):
//
//	inspect_table -url "..." -mappings mappings.json
//
// Debug (print outer HTML blocks):
//
//	cat page.html | inspect_table -selector "table.wikitable tbody tr"
//
// Debug (print text for selector matches):
//
//	cat page.html | inspect_table -selector "tbody td" -text
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"banksetl/internal/config"
	"banksetl/internal/extracthtml"
	"banksetl/internal/records"
	"banksetl/internal/throttle"
)

func main() {
	os.Exit(run(
		context.Background(),
		os.Args[1:],
		os.Stdin,
		os.Stdout,
		os.Stderr,
		http.DefaultClient,
	))
}

// run is split out from main so we can unit test the command without spawning
// an OS process.
//
// It returns a Unix-style exit code:
//   - 0 for success
//   - 2 for usage/config errors
//   - 1 for operational/runtime errors
func run(
	ctx context.Context,
	args []string,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
	httpClient *http.Client,
) int {
	fs := flag.NewFlagSet("inspect_table", flag.ContinueOnError)
	fs.SetOutput(stderr)

	onlyText := fs.Bool("text", false, "Debug: print text blocks for -selector matches (not JSON)")
	debugSelector := fs.String("selector", "", "Debug: CSS selector to print matches for (not JSON)")
	mappingsPath := fs.String("mappings", "", "Optional: mappings JSON file (default: bank/asset mappings)")
	urlFlag := fs.String("url", "", "Optional: fetch HTML from URL instead of stdin")
	timeout := fs.Duration("timeout", config.DefaultTimeout, "Timeout for -url fetch")
	delay := fs.Duration("delay", 0, "Politeness delay before the -url fetch")
	userAgent := fs.String("user-agent", config.DefaultUserAgent, "User-Agent for -url fetch")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return 2
	}
	if *timeout <= 0 || *delay < 0 {
		fmt.Fprintf(stderr, "-timeout must be > 0 and -delay >= 0\n")
		return 2
	}

	columns := records.DefaultColumns()
	mappings := extracthtml.BankAssetMappings()
	if *mappingsPath != "" && *debugSelector == "" {
		mf, err := extracthtml.LoadMappingFile(*mappingsPath)
		if err != nil {
			fmt.Fprintf(stderr, "load mappings: %v\n", err)
			return 2
		}
		columns, mappings = mf.Columns, mf.Mappings
	}

	loader := extracthtml.NewLoader(httpClient, extracthtml.Options{
		Timeout:   *timeout,
		UserAgent: *userAgent,
		Gate:      throttle.NewGate(throttle.Policy{MinInterval: *delay}),
		JobName:   "inspect_table",
	})

	html, err := loader.Load(ctx, extracthtml.Input{
		URL:   *urlFlag,
		Stdin: stdin,
	})
	if err != nil {
		fmt.Fprintf(stderr, "load html: %v\n", err)
		return 1
	}

	// Debug selector mode needs HTML input but NOT mappings.
	if *debugSelector != "" {
		n, err := extracthtml.DebugPrintSelector(stdout, html, *debugSelector, *onlyText)
		if err != nil {
			fmt.Fprintf(stderr, "debug selector: %v\n", err)
			return 1
		}
		if n == 0 {
			fmt.Fprintf(stderr, "no matches for %q\n", *debugSelector)
			return 1
		}
		return 0
	}

	frame, err := extracthtml.ExtractFrame(html, columns, mappings)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	out := frame.Records
	if out == nil {
		out = []records.Record{}
	}
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
