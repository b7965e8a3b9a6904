package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxBodyBytes caps how much of an origin response is buffered.
const maxBodyBytes = 1 << 20

// Response is the captured origin reply handed to the freshness engine.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Fetcher retrieves content from an origin. The pipeline and the background
// revalidator both depend on this interface so tests can stub the origin.
type Fetcher interface {
	Fetch(ctx context.Context, method, target string, headers http.Header) (*Response, error)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the production Fetcher backed by net/http.
type Client struct {
	client  httpDoer
	baseURL *url.URL
	logger  *slog.Logger
}

// NewClient builds a Fetcher that resolves relative targets against
// defaultBaseURL and aborts requests after the configured timeout.
func NewClient(defaultBaseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(defaultBaseURL))
	if err != nil {
		return nil, fmt.Errorf("origin: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin: base url %q must be absolute", defaultBaseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
		logger:  logger.With(slog.String("component", "origin")),
	}, nil
}

// Fetch executes the origin request and buffers up to maxBodyBytes of the
// reply. Conditional headers (If-None-Match, If-Modified-Since) pass through
// untouched so 304 replies surface to the caller.
func (c *Client) Fetch(ctx context.Context, method, target string, headers http.Header) (*Response, error) {
	resolved, err := c.resolve(target)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, resolved, nil)
	if err != nil {
		return nil, fmt.Errorf("origin: build request: %w", err)
	}
	for name, values := range headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin: fetch %s: %w", resolved, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("origin: read body: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("origin: close body: %w", closeErr)
	}

	c.logger.Debug("origin fetch complete",
		slog.String("url", resolved),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(started)))

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    body,
	}, nil
}

// resolve turns a path-only target into an absolute URL on the default
// origin; absolute targets (region origins) pass through as-is.
func (c *Client) resolve(target string) (string, error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return "", fmt.Errorf("origin: target required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("origin: parse target %q: %w", trimmed, err)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	return c.baseURL.ResolveReference(parsed).String(), nil
}
