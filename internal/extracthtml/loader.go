package extracthtml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"banksetl/internal/metrics"
	"banksetl/internal/throttle"

	"github.com/temoto/robotstxt"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultUserAgent is sent when Options.UserAgent is empty.
const DefaultUserAgent = "MyWebScraper/1.0"

// robotsTimeout bounds the robots.txt fetch independently of the page timeout.
const robotsTimeout = 10 * time.Second

// ErrDisallowed is returned when robots.txt forbids fetching the page.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// Input describes where HTML should come from.
type Input struct {
	// URL, if provided, is fetched via HTTP GET.
	URL string

	// Stdin is used when URL is empty. If nil, stdin reads as empty.
	Stdin io.Reader
}

// Options configures a Loader.
type Options struct {
	// Timeout bounds the page request. Zero means no timeout beyond the
	// client's own.
	Timeout time.Duration

	UserAgent string

	// Gate, if set, is waited on before every request.
	Gate *throttle.Gate

	// RespectRobots enables a robots.txt check before the page request.
	// An unreachable or unreadable robots.txt allows the fetch.
	RespectRobots bool

	// JobName labels HTTP metrics.
	JobName string
}

// Loader fetches or reads HTML with a consistent timeout and politeness
// policy.
type Loader struct {
	client *http.Client
	opts   Options
}

// NewLoader creates a Loader. If client is nil, http.DefaultClient is used.
func NewLoader(client *http.Client, opts Options) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Loader{client: client, opts: opts}
}

// Load returns the HTML source for either stdin (when input.URL is empty)
// or a fetched URL, decoded to UTF-8.
//
// On non-2xx HTTP responses, Load returns an error that includes the status
// code and up to 4KB of the response body for debugging.
func (l *Loader) Load(ctx context.Context, input Input) (string, error) {
	if strings.TrimSpace(input.URL) == "" {
		if input.Stdin == nil {
			return "", nil
		}
		b, err := io.ReadAll(input.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}

	if l.opts.Gate != nil {
		if err := l.opts.Gate.Wait(ctx); err != nil {
			return "", fmt.Errorf("politeness wait: %w", err)
		}
	}

	if l.opts.RespectRobots {
		ok, err := l.allowedByRobots(ctx, input.URL)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrDisallowed, input.URL)
		}
	}

	return l.get(ctx, input.URL)
}

func (l *Loader) get(ctx context.Context, rawURL string) (string, error) {
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", l.opts.UserAgent)

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		metrics.RecordHTTP(l.opts.JobName, 0, err, time.Since(start), -1)
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.RecordHTTP(l.opts.JobName, resp.StatusCode, nil, time.Since(start), int64(len(body)))
		return "", fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	b, err := io.ReadAll(resp.Body)
	metrics.RecordHTTP(l.opts.JobName, resp.StatusCode, err, time.Since(start), int64(len(b)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	s, err := decodeBody(b, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return s, nil
}

// decodeBody converts b to UTF-8 using the charset parameter of contentType.
// An absent or unknown charset leaves b unchanged.
func decodeBody(b []byte, contentType string) (string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(b), nil
	}
	cs := strings.TrimSpace(params["charset"])
	if cs == "" {
		return string(b), nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil || enc == unicode.UTF8 {
		return string(b), nil
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// allowedByRobots reports whether the user agent may fetch rawURL.
func (l *Loader) allowedByRobots(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	robots := l.fetchRobots(ctx, u.Scheme+"://"+u.Host+"/robots.txt")
	if robots == nil {
		return true, nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return robots.FindGroup(l.opts.UserAgent).Test(path), nil
}

func (l *Loader) fetchRobots(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	ctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", l.opts.UserAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return robots
}
