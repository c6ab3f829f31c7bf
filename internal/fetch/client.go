package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"streamdl/internal/config"
)

// headerTransport injects the configured headers into every outgoing
// request. Per-request headers already set by the caller win.
type headerTransport struct {
	userAgent string
	headers   map[string]string
	base      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// NewClient builds an HTTP client from explicit configuration. There
// is no ambient session state: headers, user agent and proxy are all
// threaded through the transport constructed here.
func NewClient(opts *config.Options) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: &headerTransport{
			userAgent: opts.UserAgent,
			headers:   opts.Headers,
			base:      transport,
		},
	}, nil
}

// FetchBody performs a GET and returns the full response body. Used
// for manifest and key retrieval, where the payload is small.
func FetchBody(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s received non-200 status: %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", rawURL, err)
	}
	return data, nil
}
