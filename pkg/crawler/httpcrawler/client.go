// Package httpcrawler provides a crawler.Crawler implementation backed by a
// plain net/http client. It fetches the target URL, records the status code
// and response headers for the rate limiter, and reads a bounded amount of
// body to measure the document.
package httpcrawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"crawld/pkg/crawler"
	"crawld/pkg/domain"
)

const (
	defaultUserAgent    = "crawld/1.0"
	defaultMaxBodyBytes = 10 << 20
	defaultTimeout      = 30 * time.Second
)

// Options configure the HTTP crawler.
type Options struct {
	// UserAgent is sent with every request unless overridden per run.
	UserAgent string
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
	// RequestTimeout bounds a single fetch unless overridden per run.
	RequestTimeout time.Duration
}

// Client fetches URLs over HTTP and fulfills the crawler.Crawler interface.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client // httpClient performs the fetches
	opts       Options
}

// New constructs a Client using the provided http.Client. A nil httpClient
// falls back to a dedicated client with sane defaults.
func New(httpClient *http.Client, opts Options) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultTimeout
	}

	return &Client{httpClient: httpClient, opts: opts}
}

// Run fetches the URL and reports the outcome. Transport-level failures are
// returned as unsuccessful results rather than errors so the dispatcher can
// surface them as failed task results; only a canceled context produces an
// error.
func (c *Client) Run(ctx context.Context,
	URL string,
	cfg crawler.RunConfig,
	sessionID domain.TaskID) (*domain.CrawlResult, error) {
	timeout := c.opts.RequestTimeout
	if cfg.RequestTimeout > 0 {
		timeout = cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, URL, nil)
	if err != nil {
		return &domain.CrawlResult{
			URL:          URL,
			Success:      false,
			ErrorMessage: fmt.Sprintf("could not create request: %v", err),
		}, nil
	}

	ua := c.opts.UserAgent
	if cfg.UserAgent != "" {
		ua = cfg.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, vs := range cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Session-Id", sessionID.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
		}

		return &domain.CrawlResult{
			URL:          URL,
			Success:      false,
			ErrorMessage: err.Error(),
		}, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	maxBody := c.opts.MaxBodyBytes
	if cfg.MaxBodyBytes > 0 {
		maxBody = cfg.MaxBodyBytes
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))

	result := &domain.CrawlResult{
		URL:             URL,
		StatusCode:      resp.StatusCode,
		ResponseHeaders: resp.Header,
		ContentType:     resp.Header.Get("Content-Type"),
		ContentLength:   n,
	}
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("could not read response body: %v", err)

		return result, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		result.ErrorMessage = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))

		return result, nil
	}

	result.Success = true

	return result, nil
}

// Ensure Client conforms to the crawler.Crawler interface at compile time.
var _ crawler.Crawler = (*Client)(nil)
