package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envOpenAIModel     = "OPENAI_MODEL"
	defaultOpenAIModel = "gpt-4o-mini"

	openAIBaseURL = "https://api.openai.com"
)

type openAIClient struct {
	apiKey string
	model  string
	url    string
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role string `json:"role"`
	// Content is a string, or a part list when images are attached.
	Content any `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// NewOpenAI builds the chat completions adapter. The key falls back to
// OPENAI_API_KEY and the model to OPENAI_MODEL.
func NewOpenAI(cfg Config, logger zerolog.Logger) (Client, error) {
	cfg = cfg.withDefaults()
	key := envOr(cfg.APIKey, envOpenAIAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("missing %s", envOpenAIAPIKey)
	}
	base := strings.TrimRight(envOr(cfg.BaseURL, "", openAIBaseURL), "/")
	return &openAIClient{
		apiKey: key,
		model:  envOr(cfg.Model, envOpenAIModel, defaultOpenAIModel),
		url:    base + "/v1/chat/completions",
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("provider", "openai").Logger(),
	}, nil
}

func (c *openAIClient) Name() string {
	return c.model
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	clampContent(c.logger, &req)

	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := []openAIPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: "data:image/png;base64," + img}})
		}
		messages = append(messages, openAIMessage{Role: m.Role, Content: parts})
	}

	payload := openAIPayload{
		Model:       c.model,
		Messages:    messages,
		Temperature: float64(req.Temperature),
		MaxTokens:   max(req.MaxTokens, c.cfg.MaxTokens),
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	if req.ToolChoice != "" {
		payload.ToolChoice = map[string]any{"type": "function", "function": map[string]string{"name": req.ToolChoice}}
	} else if len(payload.Tools) > 0 {
		payload.ToolChoice = "auto"
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	return withRetries(ctx, c.logger, c.cfg, func() (Response, error) {
		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(messages)).
			Int("tools", len(payload.Tools)).
			Int("max_tokens", payload.MaxTokens).
			Msg("OpenAI API request")

		res, err := post(ctx, c.http, "openai", c.url, headers, payload)
		if err != nil {
			return Response{}, err
		}
		c.logger.Debug().Int("status", res.status).Int("response_size", len(res.body)).Msg("OpenAI API response")

		var apiResp openAIResponse
		if res.status >= 400 {
			msg := truncateString(string(res.body), 500)
			if err := json.Unmarshal(res.body, &apiResp); err == nil && apiResp.Error != nil && apiResp.Error.Message != "" {
				msg = apiResp.Error.Message
			}
			c.logger.Error().Int("status", res.status).Str("error_msg", msg).Msg("OpenAI API error")
			return Response{}, ErrorFromHTTPStatus("openai", res.status, msg, ParseRetryAfter(res.header.Get("Retry-After"), time.Now()))
		}

		if err := json.Unmarshal(res.body, &apiResp); err != nil {
			return Response{}, fmt.Errorf("parse response: %w (raw: %s)", err, truncateString(string(res.body), 200))
		}
		if len(apiResp.Choices) == 0 {
			return Response{}, ErrEmptyResponse
		}
		choice := apiResp.Choices[0]
		out := Response{
			Text:         choice.Message.Content,
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		}
		if len(choice.Message.ToolCalls) > 0 {
			call := choice.Message.ToolCalls[0]
			c.logger.Debug().
				Str("tool_name", call.Function.Name).
				Str("tool_args", truncateString(call.Function.Arguments, 200)).
				Msg("OpenAI tool call")
			out.ToolInput = []byte(call.Function.Arguments)
		}
		if out.Text == "" && len(out.ToolInput) == 0 {
			return Response{}, ErrEmptyResponse
		}
		c.logger.Debug().
			Str("finish_reason", choice.FinishReason).
			Int("prompt_tokens", out.InputTokens).
			Int("completion_tokens", out.OutputTokens).
			Msg("OpenAI API success")
		return out, nil
	})
}
