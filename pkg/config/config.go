// Package config loads the export configuration from the process
// environment and an optional .env file.
//
// Values set in the environment take precedence over the file, so a .env
// can carry local defaults while CI overrides single keys.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/admin-export/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Configuration keys.
const (
	KeyOrgID           = "ORG_ID"
	KeyAccessToken     = "ACCESS_TOKEN"
	KeyTargetURL       = "JIRA_URL_WITHOUT_HTTPS"
	KeyOutputFile      = "OUTPUT_FILE"
	KeyMaxWorkers      = "MAX_WORKERS"
	KeyRateLimitCalls  = "RATE_LIMIT_CALLS"
	KeyRateLimitPeriod = "RATE_LIMIT_PERIOD"
	KeyRequestTimeout  = "REQUEST_TIMEOUT"
	KeyAPIBaseURL      = "API_BASE_URL"
	KeyRedisURL        = "REDIS_URL"
	KeyRateLimitKey    = "RATE_LIMIT_KEY"
	KeyLogLevel        = "LOG_LEVEL"
	KeyLogPretty       = "LOG_PRETTY"
	KeyMetricsAddr     = "METRICS_ADDR"
)

var keys = []string{
	KeyOrgID, KeyAccessToken, KeyTargetURL, KeyOutputFile, KeyMaxWorkers,
	KeyRateLimitCalls, KeyRateLimitPeriod, KeyRequestTimeout, KeyAPIBaseURL,
	KeyRedisURL, KeyRateLimitKey, KeyLogLevel, KeyLogPretty, KeyMetricsAddr,
}

// Defaults for optional keys.
const (
	DefaultEnvFile         = ".env"
	DefaultOutputFile      = "managed_accounts.csv"
	DefaultMaxWorkers      = 5
	DefaultRateLimitCalls  = 500
	DefaultRateLimitPeriod = 300 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DefaultAPIBaseURL      = "https://api.atlassian.com"
	DefaultRateLimitPrefix = "admin-export:ratelimit"
	DefaultLogLevel        = "info"
)

// Error reports a missing or invalid configuration value.
type Error struct {
	Key    string
	Reason string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Config is the resolved export configuration.
type Config struct {
	OrgID       string
	AccessToken string
	TargetURL   string
	OutputFile  string
	MaxWorkers  int

	RateLimitCalls  int
	RateLimitPeriod time.Duration
	RequestTimeout  time.Duration
	APIBaseURL      string

	// Redis is nil unless REDIS_URL is set.
	Redis        *redis.Options
	RateLimitKey string

	LogLevel    string
	LogPretty   bool
	MetricsAddr string
}

// Load reads envFile, overlays the process environment and parses the
// result. A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	values := map[string]string{}

	if envFile != "" {
		fileValues, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}

	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}

	return Parse(values)
}

// Parse builds a Config from flat key-value pairs.
func Parse(values map[string]string) (*Config, error) {
	get := func(key string) string {
		return strings.TrimSpace(values[key])
	}

	cfg := &Config{
		OrgID:       get(KeyOrgID),
		AccessToken: get(KeyAccessToken),
		TargetURL:   get(KeyTargetURL),
		OutputFile:  get(KeyOutputFile),
		APIBaseURL:  get(KeyAPIBaseURL),
		LogLevel:    strings.ToLower(get(KeyLogLevel)),
		MetricsAddr: get(KeyMetricsAddr),
	}

	for _, req := range []struct{ key, value string }{
		{KeyOrgID, cfg.OrgID},
		{KeyAccessToken, cfg.AccessToken},
		{KeyTargetURL, cfg.TargetURL},
	} {
		if req.value == "" {
			return nil, &Error{Key: req.key, Reason: "is required"}
		}
	}

	if cfg.OutputFile == "" {
		cfg.OutputFile = DefaultOutputFile
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if !logging.IsValidLevel(cfg.LogLevel) {
		return nil, &Error{Key: KeyLogLevel, Reason: fmt.Sprintf("unknown level %q", cfg.LogLevel)}
	}

	var err error
	if cfg.MaxWorkers, err = positiveInt(KeyMaxWorkers, get(KeyMaxWorkers), DefaultMaxWorkers); err != nil {
		return nil, err
	}
	if cfg.RateLimitCalls, err = positiveInt(KeyRateLimitCalls, get(KeyRateLimitCalls), DefaultRateLimitCalls); err != nil {
		return nil, err
	}
	if cfg.RateLimitPeriod, err = duration(KeyRateLimitPeriod, get(KeyRateLimitPeriod), DefaultRateLimitPeriod); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = duration(KeyRequestTimeout, get(KeyRequestTimeout), DefaultRequestTimeout); err != nil {
		return nil, err
	}

	if v := get(KeyLogPretty); v != "" {
		if cfg.LogPretty, err = strconv.ParseBool(v); err != nil {
			return nil, &Error{Key: KeyLogPretty, Reason: fmt.Sprintf("invalid boolean %q", v)}
		}
	}

	if v := get(KeyRedisURL); v != "" {
		opts, err := redis.ParseURL(v)
		if err != nil {
			return nil, &Error{Key: KeyRedisURL, Reason: err.Error()}
		}
		cfg.Redis = opts
	}

	cfg.RateLimitKey = get(KeyRateLimitKey)
	if cfg.RateLimitKey == "" {
		cfg.RateLimitKey = DefaultRateLimitPrefix + ":" + cfg.OrgID
	}

	return cfg, nil
}

func positiveInt(key, v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, &Error{Key: key, Reason: fmt.Sprintf("must be a positive integer, got %q", v)}
	}
	return n, nil
}

// duration accepts Go duration syntax or a bare number of seconds.
func duration(key, v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, &Error{Key: key, Reason: fmt.Sprintf("must be positive, got %q", v)}
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, &Error{Key: key, Reason: fmt.Sprintf("invalid duration %q", v)}
	}
	return d, nil
}
