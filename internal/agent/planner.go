package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/llm"
)

const outputToolName = "agent_output"

const systemPromptTemplate = `You are a precise browser automation agent. You operate a real browser one step at a time to accomplish the user's task.

INPUT:
Every step you receive the current URL, the open tabs, and the interactive elements of the visible page as
[index]<tag attributes>text</tag>
Only elements with an [index] can be targeted. Indices change whenever the page changes.

OUTPUT:
Respond by calling the %s tool exactly once with
{"current_state": {"evaluation_previous_goal": "Success|Failed|Unknown - short reason", "memory": "what has been done and what to remember", "next_goal": "what the next actions should achieve"}, "action": [{"action_name": {parameters}}, ...]}

RULES:
1. Use at most %d actions per step. Actions run in order; if the page changes mid-sequence the rest is cancelled and you get the new state.
2. Chain only actions that do not change the page, e.g. filling several fields of one form before clicking submit.
3. If an element you need is not listed, scroll or wait before concluding it is missing.
4. If you are stuck, try a different approach: go back, search, or open a new tab. Do not repeat a failing action.
5. Call done as the last action once the task is complete, or when further progress is impossible. Set success to false if the task was not fully achieved, and put everything the user asked for into text.
6. Sensitive values appear as <secret>name</secret>; use the placeholder as-is.

AVAILABLE ACTIONS:
%s`

// SystemPrompt renders the pinned system message for reg.
func SystemPrompt(reg *actions.Registry, maxActions int) string {
	return fmt.Sprintf(systemPromptTemplate, outputToolName, maxActions, reg.Describe())
}

// clarification is appended once when the model's output was unusable.
const clarification = `Your previous response was not valid. Respond by calling the ` + outputToolName +
	` tool with a current_state object and a non-empty action list. Each action is an object with exactly one key naming a listed action.`

// Planner asks the model for the next decision.
type Planner interface {
	Next(ctx context.Context, messages []conversation.Message) (Decision, error)
}

type Decision struct {
	Output      *actions.ModelOutput
	InputTokens int
}

type modelPlanner struct {
	llm         llm.Client
	registry    *actions.Registry
	temperature float32
}

func NewPlanner(client llm.Client, reg *actions.Registry, temperature float32) Planner {
	return &modelPlanner{llm: client, registry: reg, temperature: temperature}
}

func (p *modelPlanner) Next(ctx context.Context, messages []conversation.Message) (Decision, error) {
	req := llm.Request{
		Tools: []llm.Tool{{
			Name:        outputToolName,
			Description: "Report the current state and the next actions to run.",
			InputSchema: p.registry.OutputSchema(),
		}},
		ToolChoice:  outputToolName,
		Temperature: p.temperature,
	}
	for i, m := range messages {
		if i == 0 && m.Role == conversation.RoleSystem {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content, Images: m.Images})
	}

	resp, err := p.llm.Generate(ctx, req)
	if errors.Is(err, llm.ErrEmptyResponse) {
		return Decision{}, &ValidationError{Msg: "empty response", Err: err}
	}
	if err != nil {
		return Decision{}, err
	}
	out, err := parseOutput(p.registry, resp)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Output: out, InputTokens: resp.InputTokens}, nil
}

// parseOutput prefers the structured tool input and falls back to the first
// JSON object in the text.
func parseOutput(reg *actions.Registry, resp llm.Response) (*actions.ModelOutput, error) {
	raw := resp.ToolInput
	if len(raw) == 0 {
		text, err := extractJSON(resp.Text)
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("no structured output in %q", truncateText(resp.Text, 200)), Err: err}
		}
		raw = []byte(text)
	}
	out, err := actions.ParseModelOutput(reg, raw)
	if err != nil {
		return nil, &ValidationError{Msg: "cannot decode", Err: err}
	}
	if len(out.Actions) == 0 {
		return nil, &ValidationError{Msg: "no actions"}
	}
	return out, nil
}

func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if depth > 0 {
				inStr = !inStr
			}
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("json not found")
}

func truncateText(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
