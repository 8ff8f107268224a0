// Package config reads the ETL configuration from the process environment.
//
// The environment is the only configuration surface. An optional .env file is
// merged into the environment first (see LoadDotEnv) and never overrides a
// variable that is already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultEnvFile   = ".env"
	DefaultURL       = "https://en.wikipedia.org/wiki/List_of_largest_banks"
	DefaultUserAgent = "MyWebScraper/1.0"
	DefaultTable     = "largest_banks_2025"
	DefaultJobName   = "banks_etl"
	DefaultHost      = "localhost"
	DefaultDelay     = 10 * time.Second
	DefaultTimeout   = 30 * time.Second
)

// Storage kinds understood by FromEnv.
const (
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
	KindMSSQL    = "mssql"
)

// Metrics backends understood by FromEnv.
const (
	MetricsNone    = "none"
	MetricsDatadog = "datadog"
)

// DB holds the database connection parameters.
//
// User, Password and Name are not validated here. An empty Name surfaces as a
// connection-time failure from the storage layer.
type DB struct {
	Kind     string
	User     string
	Password string
	Host     string
	Port     int
	Name     string
	Table    string
}

// Scrape holds fetch parameters.
type Scrape struct {
	URL           string
	UserAgent     string
	Delay         time.Duration
	Jitter        time.Duration
	Timeout       time.Duration
	RespectRobots bool
}

// Metrics selects the metrics backend.
type Metrics struct {
	Backend string
	Tags    string
	JobName string
}

// Config is the full run configuration.
type Config struct {
	DB            DB
	Scrape        Scrape
	Metrics       Metrics
	AssetsNumeric bool
	Verbose       bool
}

// Error is a configuration error. Commands map it to exit code 2.
type Error struct {
	Var string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("config %s: %v", e.Var, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// LoadDotEnv merges a .env file into the process environment. ENV_FILE
// overrides the default path. A missing default file is ignored; a missing
// ENV_FILE is an error.
func LoadDotEnv(getenv func(string) string) error {
	path := strings.TrimSpace(getenv("ENV_FILE"))
	if path == "" {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &Error{Var: "ENV_FILE", Err: err}
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return &Error{Var: "ENV_FILE", Err: err}
	}
	return nil
}

// FromEnv builds a Config from getenv (usually os.Getenv).
func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}

	c := Config{
		DB: DB{
			Kind:     strings.ToLower(r.str("DB_KIND", KindPostgres)),
			User:     getenv("DB_USER"),
			Password: getenv("DB_PASSWORD"),
			Host:     r.str("DB_HOST", DefaultHost),
			Name:     strings.TrimSpace(getenv("DB_NAME")),
			Table:    r.str("DB_TABLE", DefaultTable),
		},
		Scrape: Scrape{
			URL:           r.str("SCRAPE_URL", DefaultURL),
			UserAgent:     r.str("SCRAPE_USER_AGENT", DefaultUserAgent),
			Delay:         r.duration("SCRAPE_DELAY", DefaultDelay),
			Jitter:        r.duration("SCRAPE_JITTER", 0),
			Timeout:       r.duration("SCRAPE_TIMEOUT", DefaultTimeout),
			RespectRobots: r.boolean("SCRAPE_RESPECT_ROBOTS", false),
		},
		Metrics: Metrics{
			Backend: strings.ToLower(r.str("METRICS_BACKEND", MetricsNone)),
			Tags:    getenv("METRICS_TAGS"),
			JobName: r.str("JOB_NAME", DefaultJobName),
		},
		AssetsNumeric: r.boolean("ASSETS_NUMERIC", false),
		Verbose:       r.boolean("ETL_VERBOSE", false),
	}

	switch c.DB.Kind {
	case KindPostgres:
		c.DB.Port = r.port("DB_PORT", 5432)
	case KindMSSQL:
		c.DB.Port = r.port("DB_PORT", 1433)
	case KindSQLite:
	default:
		r.fail("DB_KIND", fmt.Errorf("unsupported kind %q", c.DB.Kind))
	}

	switch c.Metrics.Backend {
	case MetricsNone, MetricsDatadog:
	default:
		r.fail("METRICS_BACKEND", fmt.Errorf("unsupported backend %q", c.Metrics.Backend))
	}

	if c.Scrape.Timeout == 0 {
		r.fail("SCRAPE_TIMEOUT", errors.New("must be > 0"))
	}
	if u, err := url.Parse(c.Scrape.URL); err != nil || u.Scheme == "" || u.Host == "" {
		r.fail("SCRAPE_URL", fmt.Errorf("invalid url %q", c.Scrape.URL))
	}

	if r.err != nil {
		return Config{}, r.err
	}
	return c, nil
}

// DSN returns the driver connection string for the configured kind.
// For sqlite the database name is the file path.
func (d DB) DSN() string {
	switch d.Kind {
	case KindSQLite:
		return d.Name
	case KindMSSQL:
		u := &url.URL{
			Scheme: "sqlserver",
			User:   userinfo(d.User, d.Password),
			Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		}
		q := url.Values{}
		q.Set("database", d.Name)
		u.RawQuery = q.Encode()
		return u.String()
	default:
		u := &url.URL{
			Scheme: "postgres",
			User:   userinfo(d.User, d.Password),
			Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:   "/" + d.Name,
		}
		return u.String()
	}
}

func userinfo(user, password string) *url.Userinfo {
	switch {
	case user == "" && password == "":
		return nil
	case password == "":
		return url.User(user)
	default:
		return url.UserPassword(user, password)
	}
}

// reader collects the first parse error so FromEnv reads linearly.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) fail(name string, err error) {
	if r.err == nil {
		r.err = &Error{Var: name, Err: err}
	}
}

func (r *reader) str(name, def string) string {
	if v := strings.TrimSpace(r.getenv(name)); v != "" {
		return v
	}
	return def
}

// maxDurationSeconds is the first bare seconds value time.Duration cannot hold.
const maxDurationSeconds = float64(math.MaxInt64) / float64(time.Second)

// duration accepts Go duration syntax ("1m30s") or a bare number of seconds.
func (r *reader) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(name))
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			r.fail(name, errors.New("must be >= 0"))
			return def
		}
		if math.IsNaN(secs) || secs >= maxDurationSeconds {
			r.fail(name, fmt.Errorf("%q is out of range", v))
			return def
		}
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(name, err)
		return def
	}
	if d < 0 {
		r.fail(name, errors.New("must be >= 0"))
		return def
	}
	return d
}

func (r *reader) boolean(name string, def bool) bool {
	v := strings.TrimSpace(r.getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(name, err)
		return def
	}
	return b
}

func (r *reader) port(name string, def int) int {
	v := strings.TrimSpace(r.getenv(name))
	if v == "" {
		return def
	}
	p, err := strconv.Atoi(v)
	if err != nil || p <= 0 || p > 65535 {
		r.fail(name, fmt.Errorf("invalid port %q", v))
		return def
	}
	return p
}
