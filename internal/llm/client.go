package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/stancelab/internal/domain"
)

// maxResponseSize limits the response body read to prevent memory exhaustion.
const maxResponseSize = 4 * 1024 * 1024 // 4MB

// Endpoint configures one backend family.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Config holds the endpoint configuration for both backend families.
type Config struct {
	OpenAI Endpoint
	Google Endpoint
}

// Client implements Generator over HTTP chat-completion APIs. The OpenAI
// family speaks the /chat/completions wire format; the Google family speaks
// the Gemini generateContent format.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a generation client for the configured endpoints.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		cfg:         cfg,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Generator = (*Client)(nil)

// Generate produces the next assistant turn, retrying transient failures
// with exponential backoff.
func (c *Client) Generate(ctx context.Context, backend domain.Backend, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("at least one turn is required")
	}

	backoff := c.retryConfig.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		var text string
		var retryable bool
		var err error

		switch backend {
		case domain.BackendGoogle:
			text, retryable, err = c.generateGoogle(ctx, turns)
		case domain.BackendOpenAI:
			text, retryable, err = c.generateOpenAI(ctx, turns)
		default:
			return "", fmt.Errorf("%w: backend %q", domain.ErrUnknownCondition, backend)
		}

		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable || attempt == c.retryConfig.MaxAttempts {
			break
		}

		c.logger.Warn("generation attempt failed, retrying",
			"backend", backend, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * c.retryConfig.BackoffMultiplier)
		if backoff > c.retryConfig.MaxBackoff {
			backoff = c.retryConfig.MaxBackoff
		}
	}
	return "", lastErr
}

// post sends a JSON request and returns the limited response body. The
// second return value reports whether a failure is worth retrying.
func (c *Client) post(ctx context.Context, url string, headers map[string]string, payload any) ([]byte, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, false, nil
}

// --- OpenAI-compatible family ---

type openAIRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) generateOpenAI(ctx context.Context, turns []Turn) (string, bool, error) {
	ep := c.cfg.OpenAI
	url := strings.TrimSuffix(ep.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{}
	if ep.APIKey != "" {
		headers["Authorization"] = "Bearer " + ep.APIKey
	}

	data, retryable, err := c.post(ctx, url, headers, openAIRequest{
		Model:    ep.Model,
		Messages: turns,
	})
	if err != nil {
		return "", retryable, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", false, fmt.Errorf("malformed response: no completion choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// --- Gemini family ---

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (c *Client) generateGoogle(ctx context.Context, turns []Turn) (string, bool, error) {
	ep := c.cfg.Google
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimSuffix(ep.BaseURL, "/"), ep.Model)
	headers := map[string]string{}
	if ep.APIKey != "" {
		headers["x-goog-api-key"] = ep.APIKey
	}

	req := geminiRequest{}
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: t.Content}}}
		case RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: t.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: t.Content}}})
		}
	}

	data, retryable, err := c.post(ctx, url, headers, req)
	if err != nil {
		return "", retryable, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", false, fmt.Errorf("malformed response: no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
