// Package client fetches pages of managed accounts from the organization
// admin API through a shared rate limiter.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/admin-export/pkg/pagination"
	"github.com/Sternrassler/admin-export/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for admin API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_export_requests_total",
		Help: "Total admin API page requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admin_export_request_duration_seconds",
		Help:    "Admin API page request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_export_fetch_errors_total",
		Help: "Total fatal page fetch errors by class",
	}, []string{"class"})
)

// Defaults for the organization admin API.
const (
	DefaultBaseURL   = "https://api.atlassian.com"
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "admin-export/1.0"

	// maxBodyBytes caps how much of a page body is read.
	maxBodyBytes = 32 << 20
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the admin API, without trailing slash.
	BaseURL string

	// OrgID is the organization whose users are listed (REQUIRED).
	OrgID string

	// AccessToken is the bearer credential (REQUIRED).
	AccessToken string

	// UserAgent header value.
	UserAgent string

	// Timeout bounds one HTTP call.
	Timeout time.Duration
}

// DefaultConfig returns a configuration for orgID with the given token.
func DefaultConfig(orgID, accessToken string) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		OrgID:       orgID,
		AccessToken: accessToken,
		UserAgent:   DefaultUserAgent,
		Timeout:     DefaultTimeout,
	}
}

// Client fetches managed-account pages. It implements
// pagination.PageFetcher.
type Client struct {
	httpClient *http.Client
	limiter    ratelimit.Limiter
	config     Config
	endpoint   string
	logger     zerolog.Logger
}

// New creates a new admin API client.
func New(cfg Config, limiter ratelimit.Limiter, logger zerolog.Logger) (*Client, error) {
	if cfg.OrgID == "" {
		return nil, fmt.Errorf("org id is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		config:     cfg,
		endpoint:   base.String() + "/admin/v1/orgs/" + url.PathEscape(cfg.OrgID) + "/users",
		logger:     logger,
	}, nil
}

// usersResponse is the body of the users endpoint.
type usersResponse struct {
	Data  *[]json.RawMessage `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// FetchPage fetches one page of users. An empty cursor requests the
// first page. Every failure of the HTTP exchange is a *FetchError; a
// cancelled rate limiter wait returns the context error.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*pagination.Page, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(cursor), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("User-Agent", c.config.UserAgent)

	c.logger.Debug().
		Str("cursor", cursor).
		Msg("Requesting users page")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, c.fail(&FetchError{ErrorClass: ErrorClassNetwork, Cursor: cursor, Err: err})
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little of the body for the message and connection reuse.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, c.fail(&FetchError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Cursor:     cursor,
			Message:    strings.TrimSpace(resp.Status + " " + string(snippet)),
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, c.fail(&FetchError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Cursor: cursor, Message: "read body", Err: err})
	}
	if len(body) > maxBodyBytes {
		return nil, c.fail(&FetchError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassDecode, Cursor: cursor, Err: ErrBodyTooLarge})
	}

	page, err := decodePage(body)
	if err != nil {
		return nil, c.fail(&FetchError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassDecode, Cursor: cursor, Err: err})
	}
	return page, nil
}

// pageURL builds the request URL for cursor.
func (c *Client) pageURL(cursor string) string {
	if cursor == "" {
		return c.endpoint
	}
	return c.endpoint + "?" + url.Values{"cursor": {cursor}}.Encode()
}

// fail records and logs a fetch error.
func (c *Client) fail(err *FetchError) error {
	fetchErrorsTotal.WithLabelValues(string(err.ErrorClass)).Inc()
	c.logger.Error().
		Err(err).
		Str("cursor", err.Cursor).
		Int("status", err.StatusCode).
		Str("error_class", string(err.ErrorClass)).
		Msg("Users page request failed")
	return err
}

// decodePage parses a users body into a page.
func decodePage(body []byte) (*pagination.Page, error) {
	var raw usersResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode users page: %w", err)
	}

	page := &pagination.Page{}
	if raw.Data != nil {
		page.HasData = true
		page.Records = *raw.Data
	}

	if raw.Links.Next != "" {
		cursor, err := cursorFromLink(raw.Links.Next)
		if err != nil {
			return nil, err
		}
		page.NextCursor = cursor
	}
	return page, nil
}

// cursorFromLink extracts the cursor query parameter from a links.next URL.
func cursorFromLink(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse next link: %w", err)
	}
	cursor := u.Query().Get("cursor")
	if cursor == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingCursor, link)
	}
	return cursor, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Endpoint returns the users endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// IsFetchError reports whether err is or wraps a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
