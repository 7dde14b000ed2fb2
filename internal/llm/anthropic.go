package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	envModel     = "ANTHROPIC_MODEL"
	defaultModel = "claude-sonnet-4-5-20250929"

	anthropicBaseURL = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
)

type anthropicClient struct {
	apiKey string
	model  string
	url    string
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// NewAnthropic builds the Messages API adapter. The key falls back to
// ANTHROPIC_API_KEY and the model to ANTHROPIC_MODEL.
func NewAnthropic(cfg Config, logger zerolog.Logger) (Client, error) {
	cfg = cfg.withDefaults()
	key := envOr(cfg.APIKey, envAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	base := strings.TrimRight(envOr(cfg.BaseURL, "", anthropicBaseURL), "/")
	return &anthropicClient{
		apiKey: key,
		model:  envOr(cfg.Model, envModel, defaultModel),
		url:    base + "/v1/messages",
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("provider", "anthropic").Logger(),
	}, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	clampContent(c.logger, &req)

	payload := anthropicPayload{
		Model:       c.model,
		System:      req.System,
		MaxTokens:   max(req.MaxTokens, c.cfg.MaxTokens),
		Temperature: float64(req.Temperature),
	}
	for _, m := range req.Messages {
		role := m.Role
		if role != "assistant" {
			// Later system notes travel as user turns; only the first system
			// prompt has a dedicated field.
			role = "user"
		}
		content := []anthropicContent{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			content = append(content, anthropicContent{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: "image/png", Data: img},
			})
		}
		payload.Messages = append(payload.Messages, anthropicMessage{Role: role, Content: content})
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, anthropicTool(t))
	}
	if req.ToolChoice != "" {
		payload.ToolChoice = &anthropicToolChoice{Type: "tool", Name: req.ToolChoice}
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": apiVersion,
	}

	return withRetries(ctx, c.logger, c.cfg, func() (Response, error) {
		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(payload.Messages)).
			Int("tools", len(payload.Tools)).
			Int("max_tokens", payload.MaxTokens).
			Msg("Anthropic API request")

		res, err := post(ctx, c.http, "anthropic", c.url, headers, payload)
		if err != nil {
			return Response{}, err
		}
		c.logger.Debug().Int("status", res.status).Int("response_size", len(res.body)).Msg("Anthropic API response")

		if res.status >= 400 {
			var apiErr anthropicErrorEnvelope
			msg := truncateString(string(res.body), 500)
			if err := json.Unmarshal(res.body, &apiErr); err == nil && apiErr.Error.Message != "" {
				msg = apiErr.Error.Message
			}
			c.logger.Error().
				Int("status", res.status).
				Str("error_type", apiErr.Error.Type).
				Str("error_msg", msg).
				Msg("Anthropic API error")
			return Response{}, ErrorFromHTTPStatus("anthropic", res.status, msg, ParseRetryAfter(res.header.Get("Retry-After"), time.Now()))
		}

		var ar anthropicResponse
		if err := json.Unmarshal(res.body, &ar); err != nil {
			return Response{}, fmt.Errorf("parse response: %w", err)
		}
		out := Response{InputTokens: ar.Usage.InputTokens, OutputTokens: ar.Usage.OutputTokens}
		var text strings.Builder
		for _, block := range ar.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				if out.ToolInput == nil {
					out.ToolInput = []byte(block.Input)
				}
			}
		}
		out.Text = text.String()
		if out.Text == "" && len(out.ToolInput) == 0 {
			return Response{}, ErrEmptyResponse
		}
		c.logger.Debug().Int("input_tokens", out.InputTokens).Int("response_length", len(out.Text)).Msg("Anthropic API success")
		return out, nil
	})
}

type anthropicPayload struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []anthropicMessage   `json:"messages"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string              `json:"type"`
		Text  string              `json:"text"`
		Input jsoniter.RawMessage `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
