package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/af-corp/llm-relay/internal/config"
)

// maxErrorBody caps how much of a failed upstream response is kept.
const maxErrorBody = 4096

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Client talks to OpenAI-compatible providers. Each provider gets its own
// http.Client (with the provider timeout) and an optional concurrency limit.
type Client struct {
	defaultTimeout time.Duration
	transport      http.RoundTripper

	mu      sync.Mutex
	clients map[string]*http.Client
	limits  map[string]*semaphore.Weighted
}

// New creates a client. defaultTimeout applies to providers without their own timeout.
func New(defaultTimeout time.Duration) *Client {
	return &Client{
		defaultTimeout: defaultTimeout,
		transport:      http.DefaultTransport,
		clients:        make(map[string]*http.Client),
		limits:         make(map[string]*semaphore.Weighted),
	}
}

// ChatCompletion forwards body to {base}/chat/completions with "model" replaced by
// model. The rest of the body passes through untouched. The decoded JSON object of
// a 2xx answer is returned.
func (c *Client) ChatCompletion(ctx context.Context, p config.Provider, model string, body map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	m, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	out["model"] = m

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, p, http.MethodPost, "/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(ctx, p, req)
	if err != nil {
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.Name, err)
	}
	if result == nil {
		return nil, fmt.Errorf("decode %s response: empty body", p.Name)
	}
	return result, nil
}

// Probe checks a provider by listing its models. A nil error means active.
func (c *Client) Probe(ctx context.Context, p config.Provider) error {
	req, err := c.newRequest(ctx, p, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, p, req)
	return err
}

func (c *Client) newRequest(ctx context.Context, p config.Provider, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimRight(p.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	for k, v := range p.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, p config.Provider, req *http.Request) ([]byte, error) {
	httpClient, limit := c.forProvider(p)
	if limit != nil {
		if err := limit.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("wait for %s slot: %w", p.Name, err)
		}
		defer limit.Release(1)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", p.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.Name, err)
	}
	return body, nil
}

func (c *Client) forProvider(p config.Provider) (*http.Client, *semaphore.Weighted) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hc, ok := c.clients[p.Name]
	if !ok {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = c.defaultTimeout
		}
		hc = &http.Client{Timeout: timeout, Transport: c.transport}
		c.clients[p.Name] = hc
		if p.MaxConcurrent > 0 {
			c.limits[p.Name] = semaphore.NewWeighted(int64(p.MaxConcurrent))
		}
	}
	return hc, c.limits[p.Name]
}
