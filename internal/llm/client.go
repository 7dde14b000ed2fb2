package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	envProvider = "LLM_PROVIDER" // "anthropic" or "openai"

	defaultMaxTokens  = 2048
	defaultTimeout    = 60 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxRequestSize    = 200000
)

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
	// ToolChoice forces the named tool; its input comes back in
	// Response.ToolInput.
	ToolChoice  string
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Images are base64 encoded PNGs attached after the text.
	Images []string `json:"images,omitempty"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Response struct {
	Text         string
	ToolInput    []byte
	InputTokens  int
	OutputTokens int
}

// Config selects and tunes a provider adapter. Empty fields fall back to the
// provider's environment variables and defaults.
type Config struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// NewClient builds the adapter named by cfg.Provider, or by LLM_PROVIDER,
// defaulting to Anthropic.
func NewClient(cfg Config, logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	}
	if provider == "" {
		provider = "anthropic"
	}
	switch provider {
	case "openai":
		return NewOpenAI(cfg, logger)
	case "anthropic":
		return NewAnthropic(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", provider)
	}
}

func envOr(v, env, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		v = strings.TrimSpace(os.Getenv(env))
	}
	v = strings.Trim(v, "\"'")
	if v == "" {
		return def
	}
	return v
}

// clampContent truncates oversized message bodies in place.
func clampContent(logger zerolog.Logger, req *Request) {
	for i, m := range req.Messages {
		if len(m.Content) > maxRequestSize {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			req.Messages[i].Content = m.Content[:maxRequestSize] + "... [truncated]"
		}
	}
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:maxRequestSize] + "... [truncated]"
	}
}

type httpResult struct {
	status int
	header http.Header
	body   []byte
}

func post(ctx context.Context, hc *http.Client, provider, url string, headers map[string]string, payload any) (httpResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return httpResult{}, fmt.Errorf("marshal payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return httpResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return httpResult{}, ctx.Err()
		}
		return httpResult{}, NewUnavailableError(provider, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResult{}, NewUnavailableError(provider, fmt.Errorf("read response: %w", err))
	}
	return httpResult{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// withRetries repeats call on retryable failures with exponential backoff.
// Rate limits are returned at once.
func withRetries(ctx context.Context, logger zerolog.Logger, cfg Config, call func() (Response, error)) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
			logger.Info().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying model call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if !isRetryable(err) {
			return Response{}, err
		}
		lastErr = err
	}
	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
