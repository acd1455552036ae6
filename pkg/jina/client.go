// Package jina is a client for the Jina Reader (page to markdown) and
// Search APIs.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/biotech-recon/internal/resilience"
)

// Client reads pages and searches the web.
type Client interface {
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
	Search(ctx context.Context, query string) (*SearchResponse, error)
}

// ReadResponse is the Reader API envelope.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData is a page rendered as markdown.
type ReadData struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchResponse is the Search API envelope.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// SearchResult is one search hit with its page content.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Date        string `json:"date,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the Reader endpoint.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithSearchBaseURL overrides the Search endpoint.
func WithSearchBaseURL(u string) Option {
	return func(c *httpClient) { c.searchBaseURL = u }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) { c.retry = p }
}

type httpClient struct {
	apiKey        string
	baseURL       string
	searchBaseURL string
	http          *http.Client
	retry         resilience.Policy
}

// NewClient creates a Jina client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:        apiKey,
		baseURL:       "https://r.jina.ai",
		searchBaseURL: "https://s.jina.ai",
		http:          &http.Client{Timeout: 30 * time.Second},
		retry:         resilience.DefaultPolicy().WithLogging("jina", "request"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get issues a GET with retries on transient statuses and decodes into out.
func (c *httpClient) get(ctx context.Context, reqURL string, headers map[string]string, out any) error {
	body, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, resilience.Permanent(eris.Wrap(err, "jina: create request"))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "jina: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.Transient(eris.Wrap(err, "jina: read body"), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			statusErr := eris.Errorf("jina: status %d: %s", resp.StatusCode, truncate(string(data), 200))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.Transient(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "jina: decode response")
	}
	return nil
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	var out ReadResponse
	err := c.get(ctx, fmt.Sprintf("%s/%s", c.baseURL, targetURL),
		map[string]string{"X-Return-Format": "markdown"}, &out)
	if err != nil {
		return nil, eris.Wrapf(err, "jina: read %s", targetURL)
	}
	return &out, nil
}

func (c *httpClient) Search(ctx context.Context, query string) (*SearchResponse, error) {
	var out SearchResponse
	if err := c.get(ctx, fmt.Sprintf("%s/%s", c.searchBaseURL, url.QueryEscape(query)), nil, &out); err != nil {
		return nil, eris.Wrapf(err, "jina: search %q", query)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
