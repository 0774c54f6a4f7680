// Package fetch downloads wiki pages politely: one request at a time, a
// fixed delay between requests, bounded retries on transient failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cardscrape/internal/metrics"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the scraper to the wiki.
const DefaultUserAgent = "cardscrape/1.0 (+https://github.com/cardscrape)"

// maxBody caps a single page download.
const maxBody = 16 << 20

// Options configures a Client. Zero values take the defaults shown.
type Options struct {
	Timeout   time.Duration // 10s
	Delay     time.Duration // 1s between requests; negative disables
	Retries   int           // 2; negative disables retries
	UserAgent string        // DefaultUserAgent
	Logger    *zap.Logger
}

// Client fetches pages. It satisfies extracthtml.Fetcher.
type Client struct {
	http    *retryablehttp.Client
	limiter *rate.Limiter
	ua      string
	log     *zap.Logger
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL     string
	Code    int
	Snippet string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Snippet)
}

// New builds a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Delay == 0 {
		opts.Delay = time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = nil
	// Hand the final response back instead of a generic "giving up" error
	// so the status code reaches the caller.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	if opts.Delay > 0 {
		limit = rate.Every(opts.Delay)
	}

	return &Client{
		http:    rc,
		limiter: rate.NewLimiter(limit, 1),
		ua:      opts.UserAgent,
		log:     opts.Logger,
	}
}

// Fetch downloads url and returns the body. Non-2xx responses are errors.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(0, err, time.Since(start), -1)
		c.log.Warn("fetch failed", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	dur := time.Since(start)
	metrics.RecordHTTP(resp.StatusCode, err, dur, int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{URL: url, Code: resp.StatusCode, Snippet: snippet(body)}
		c.log.Warn("fetch non-2xx", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, serr
	}

	c.log.Debug("fetched",
		zap.String("url", url),
		zap.Int("bytes", len(body)),
		zap.Duration("took", dur),
	)
	return body, nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > 200 {
		s = string(r[:200])
	}
	return s
}
