package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/ratelimit"
	"github.com/atlas-health/refsync/internal/resilience"
)

const defaultUserAgent = "refsync/1.0 (reference-data sync)"

// HTTPClient is the shared HTTP transport for API-backed sources. It waits
// on the source's rate limiter before every request and classifies failures
// so callers can tell a rate limit from a dead endpoint.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	limiter   *ratelimit.Limiter
}

// NewHTTPClient builds a client bound to one source's limiter.
func NewHTTPClient(limiter *ratelimit.Limiter, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		userAgent: defaultUserAgent,
		limiter:   limiter,
	}
}

// do issues one rate-limited request. It never retries: retry and cool-down
// policy belong to the acquisition loop, which needs to persist state
// between attempts.
func (c *HTTPClient) do(ctx context.Context, rawURL string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "create request"))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.Transient(eris.Wrap(err, "http request"), 0)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		_ = resp.Body.Close()
		if c.limiter != nil {
			c.limiter.OnRateLimited()
		}
		zap.L().Warn("upstream rate limited",
			zap.String("url", rawURL),
			zap.Duration("retry_after", retryAfter),
		)
		return nil, resilience.RateLimited(eris.Errorf("http 429 from %s", rawURL), retryAfter)

	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		_ = resp.Body.Close()
		return nil, resilience.Transient(eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)

	case resp.StatusCode >= 400:
		_ = resp.Body.Close()
		return nil, resilience.Permanent(eris.Errorf("http %d from %s", resp.StatusCode, rawURL))
	}

	if c.limiter != nil {
		c.limiter.OnSuccess()
	}
	return resp, nil
}

// GetJSON fetches rawURL and decodes the JSON response into out.
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.do(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Transient(eris.Wrap(err, "decode response"), 0)
	}
	return nil
}

// DownloadToFile fetches rawURL and writes the body to path. Returns bytes
// written.
func (c *HTTPClient) DownloadToFile(ctx context.Context, rawURL, path string) (int64, error) {
	resp, err := c.do(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, resp.Body)
	if err != nil {
		return n, resilience.Transient(eris.Wrap(err, "write file"), 0)
	}
	return n, nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Zero means
// the header was absent or unparseable; the caller falls back to its
// configured cool-down.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
