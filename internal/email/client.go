// Package email delivers transactional mail through an HTTP provider.
// The notify layer owns retries and the log-only degraded path; this
// package only speaks the provider API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

// Message is one outbound email.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Sender delivers a message. The HTTP client and the log-only fallback
// both implement it so the notify layer can swap them under degradation.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Client posts messages to a Resend-compatible /emails endpoint.
type Client struct {
	apiKey     string
	from       string
	baseURL    string
	httpClient *http.Client
}

// NewClient builds the provider client. A sender address is required:
// providers reject messages without a verified sender.
func NewClient(cfg config.EmailConfig) (*Client, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("email sender address is required")
	}

	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}

	return &Client{
		apiKey:  cfg.APIKey,
		from:    from,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type providerPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Send delivers one message. 429 maps to QUOTA, 5xx to TRANSIENT.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return apperr.Validation("email has no recipients", nil)
	}

	body, err := json.Marshal(providerPayload{
		From:    c.from,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build email request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build email request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient("email delivery failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Quota("email rate limited", 0)
	case resp.StatusCode >= 500:
		return apperr.Transient(fmt.Sprintf("email upstream error (%d)", resp.StatusCode), nil)
	default:
		return apperr.Wrap(apperr.KindInternal,
			fmt.Sprintf("email request rejected (%d)", resp.StatusCode), nil)
	}
}

// Ping verifies the provider endpoint is reachable. Any HTTP response
// counts as up; only transport failures report the provider down.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Transient("email provider unreachable", err)
	}
	resp.Body.Close()
	return nil
}

// LogSender writes the message to the log instead of sending it. It is the
// degraded path when the email breaker is open and the default in dev
// environments without an API key.
type LogSender struct {
	logger *log.Logger
}

// NewLogSender returns a sender that only logs.
func NewLogSender() *LogSender {
	return &LogSender{
		logger: log.New(log.Writer(), "[EMAIL] ", log.LstdFlags),
	}
}

// Send records the message headline in the log. It never fails.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Printf("📧 (log-only) to=%s subject=%q bytes=%d",
		strings.Join(msg.To, ","), msg.Subject, len(msg.HTML)+len(msg.Text))
	return nil
}
