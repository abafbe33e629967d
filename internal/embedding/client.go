// Package embedding turns text into fixed-dimension vectors via an
// OpenAI-compatible embeddings endpoint. The grant pipeline embeds search
// queries and uploaded document chunks with the same client.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

const maxResponseSize = 10 * 1024 * 1024

// maxBatchSize bounds one API call. Larger inputs are split by the caller.
const maxBatchSize = 96

// Client calls the embeddings endpoint. Vectors come back in input order.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	dimension  int
	httpClient *http.Client
}

// NewClient validates the configured dimension up front so a mismatch with
// the vector store surfaces at boot, not at first insert.
func NewClient(cfg config.EmbeddingConfig) (*Client, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &Client{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   baseURL,
		dimension: cfg.Dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Dimension returns the vector width this client produces.
func (c *Client) Dimension() int {
	return c.dimension
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in API-sized slices, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedSlice(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedSlice(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build embedding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build embedding request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("embedding request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, apperr.Transient("read embedding response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, respBody)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parse embedding response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperr.Wrap(apperr.KindInternal, "embedding response incomplete",
			fmt.Errorf("sent %d inputs, got %d vectors", len(texts), len(parsed.Data)))
	}

	// The API may reorder; index restores input order.
	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, apperr.Wrap(apperr.KindInternal, "embedding response incomplete",
				fmt.Errorf("vector index %d out of range", d.Index))
		}
		if len(d.Embedding) != c.dimension {
			return nil, apperr.Wrap(apperr.KindInternal, "embedding dimension mismatch",
				fmt.Errorf("expected %d, got %d", c.dimension, len(d.Embedding)))
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Ping embeds a single short string to verify the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Embed(ctx, "ping")
	return err
}

func classifyStatus(resp *http.Response, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Quota("embedding rate limited", parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return apperr.Transient(
			fmt.Sprintf("embedding upstream error (%d)", resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Wrap(apperr.KindInternal, "embedding rejected credentials",
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	default:
		return apperr.Wrap(apperr.KindInternal,
			fmt.Sprintf("embedding request rejected (%d)", resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(value, "%d", &secs); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
