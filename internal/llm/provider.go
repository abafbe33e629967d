// Package llm is the chat-completion adapter. It speaks to whichever
// provider the configuration names through a small registry; callers get
// typed requests and responses with token counts, never raw provider JSON.
package llm

import (
	"fmt"
	"net/http"
	"sync"
)

// Request is one chat-completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Temperature is nil to use the provider default.
	Temperature *float64
	MaxTokens   int
}

// Response is the provider-agnostic completion result.
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// TotalTokens is the budget-relevant sum.
func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Provider defines the interface for LLM provider implementations.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body for the provider.
	BuildRequestBody(model string, req Request) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte) (*Response, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider returns a registered provider by name.
func GetProvider(name string) (Provider, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()

	p, ok := providerRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
	return p, nil
}
