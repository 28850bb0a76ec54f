// Package upstream wraps HTTP access to the Gemini generateContent API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client issues Gemini API calls. The API key is supplied per call; the
// client itself holds no credential.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient returns a client with defaults applied.
func NewClient(baseURL string) *Client {
	url := strings.TrimSpace(baseURL)
	if url == "" {
		url = defaultBaseURL
	}
	return &Client{BaseURL: url, Timeout: 60 * time.Second}
}

// GenerateContent performs one non-streamed exchange.
func (c *Client) GenerateContent(ctx context.Context, apiKey, model string, req *GenerateRequest) (*GenerateResponse, error) {
	if c == nil {
		return nil, fmt.Errorf("upstream client not configured")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(c.BaseURL, "/"), model)
	resp, err := c.post(ctx, url, apiKey, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newError(resp.StatusCode, resp.Header, body, model)
	}

	var parsed GenerateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

// StreamGenerateContent opens a streamed exchange. The returned Stream must
// be closed by the caller; Close is idempotent.
func (c *Client) StreamGenerateContent(ctx context.Context, apiKey, model string, req *GenerateRequest) (*Stream, error) {
	if c == nil {
		return nil, fmt.Errorf("upstream client not configured")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}

	cancel := context.CancelFunc(func() {})
	if c.Timeout > 0 {
		// The deadline covers the whole exchange, including stream drain.
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", strings.TrimRight(c.BaseURL, "/"), model)
	resp, err := c.post(ctx, url, apiKey, req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if readErr != nil {
			body = nil
		}
		return nil, newError(resp.StatusCode, resp.Header, body, model)
	}

	return newStream(resp.Body, cancel), nil
}

// ListModels returns the model ids the key can access. This is a metadata
// call that does not consume generateContent quota.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	url := strings.TrimRight(c.BaseURL, "/") + "/models?pageSize=1000"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("X-Goog-Api-Key", apiKey)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newError(resp.StatusCode, resp.Header, body, "")
	}

	var parsed modelList
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if id := strings.TrimPrefix(m.Name, "models/"); id != "" {
			models = append(models, id)
		}
	}
	return models, nil
}

func (c *Client) post(ctx context.Context, url, apiKey string, req *GenerateRequest) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", apiKey)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
