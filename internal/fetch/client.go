package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"

	"hlsproxyd/internal/logger"
)

// Client is the only component that talks to origin servers. It supports
// header injection, optional byte ranges, and an outbound HTTP proxy that
// can be re-pointed at runtime.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	proxyURL   atomic.Pointer[url.URL]
}

// StatusError reports a non-success origin response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin returned status %d for %s", e.StatusCode, e.URL)
}

// NewClient creates a fetch client. No per-request timeout is applied; the
// retry loop above it bounds failure handling.
func NewClient(log logger.Logger) *Client {
	c := &Client{logger: log}
	c.httpClient = &http.Client{
		Transport: &http.Transport{
			Proxy: func(*http.Request) (*url.URL, error) {
				return c.proxyURL.Load(), nil
			},
		},
	}
	return c
}

// SetProxy re-points the outbound proxy. An empty address disables proxying.
func (c *Client) SetProxy(addr string) error {
	if addr == "" {
		c.proxyURL.Store(nil)
		c.logger.Infof("Outbound proxy disabled")
		return nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid proxy address %q: %w", addr, err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	c.proxyURL.Store(u)
	c.logger.Infof("Outbound proxy set to %s", u.String())
	return nil
}

func (c *Client) do(ctx context.Context, rawURL string, headers map[string]string, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// Get fetches the full body of a URL with the given extra headers.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	resp, err := c.do(ctx, rawURL, headers, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", rawURL, err)
	}
	return data, nil
}

// GetRange fetches the byte range [start, end] of a URL. Pass end = -1 for
// an open-ended range.
func (c *Client) GetRange(ctx context.Context, rawURL string, headers map[string]string, start, end int64) ([]byte, error) {
	byteRange := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		byteRange = fmt.Sprintf("bytes=%d-%d", start, end)
	}
	resp, err := c.do(ctx, rawURL, headers, byteRange)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read range body of %s: %w", rawURL, err)
	}
	return data, nil
}

// GetToFile streams a URL into path. On any failure the target file is
// removed so a truncated file is never left behind.
func (c *Client) GetToFile(ctx context.Context, rawURL string, headers map[string]string, path string) error {
	resp, err := c.do(ctx, rawURL, headers, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
