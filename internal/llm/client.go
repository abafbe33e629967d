package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

// maxResponseSize caps provider response bodies at 10MB. A model that
// produces more than this is misbehaving and the body is not worth holding.
const maxResponseSize = 10 * 1024 * 1024

// Client calls one configured provider. It is stateless apart from
// credentials and the bounded HTTP client, so a single instance is shared
// across all workers.
type Client struct {
	provider   Provider
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient resolves the configured provider from the registry.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	provider, err := GetProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	return &Client{
		provider: provider,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		baseURL:  cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Complete issues one chat completion. Errors come back classified: 429 as
// QUOTA with the server Retry-After, 5xx and transport failures as
// TRANSIENT, credential rejections and parse failures as INTERNAL.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := c.provider.BuildRequestBody(c.model, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build llm request", err)
	}

	url := c.provider.BuildURL(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build llm request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.provider.SetHeaders(httpReq, c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("llm request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, apperr.Transient("read llm response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp, respBody)
	}

	parsed, err := c.provider.ParseResponse(respBody)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parse llm response", err)
	}
	if parsed.Model == "" {
		parsed.Model = c.model
	}
	return parsed, nil
}

// Ping issues a minimal completion to verify the provider is reachable.
// Used by health probes and pre-deploy checks.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Complete(ctx, Request{
		UserPrompt: "ping",
		MaxTokens:  1,
	})
	return err
}

// classifyHTTPError maps a provider status code into the taxonomy.
func classifyHTTPError(resp *http.Response, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Quota("llm rate limited", parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return apperr.Transient(
			fmt.Sprintf("llm upstream error (%d)", resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Wrap(apperr.KindInternal, "llm rejected credentials",
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	default:
		return apperr.Wrap(apperr.KindInternal,
			fmt.Sprintf("llm request rejected (%d)", resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	}
}

// parseRetryAfter reads the delay-seconds or HTTP-date form of Retry-After.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

