package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/llm"
)

type stubLLM struct {
	resp llm.Response
	err  error
	req  llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.req = req
	return s.resp, s.err
}

func (s *stubLLM) Name() string { return "stub" }

var plannerMessages = []conversation.Message{
	{Role: conversation.RoleSystem, Kind: conversation.KindSystem, Content: "system prompt"},
	{Role: conversation.RoleUser, Kind: conversation.KindTask, Content: "Your ultimate task is: buy a lamp"},
	{Role: conversation.RoleUser, Kind: conversation.KindState, Content: "[Current state starts here]", Images: []string{"aGk="}},
}

func TestPlannerReadsToolInput(t *testing.T) {
	stub := &stubLLM{resp: llm.Response{
		ToolInput:   []byte(`{"current_state":{"evaluation_previous_goal":"Unknown","memory":"","next_goal":"search"},"action":[{"search_google":{"query":"blue lamp"}}]}`),
		InputTokens: 321,
	}}
	p := NewPlanner(stub, actions.Default(), 0.2)

	dec, err := p.Next(context.Background(), plannerMessages)
	require.NoError(t, err)
	assert.Equal(t, []actions.Action{actions.SearchGoogle{Query: "blue lamp"}}, dec.Output.Actions)
	assert.Equal(t, "search", dec.Output.CurrentState.NextGoal)
	assert.Equal(t, 321, dec.InputTokens)

	assert.Equal(t, "system prompt", stub.req.System)
	require.Len(t, stub.req.Messages, 2)
	assert.Equal(t, []string{"aGk="}, stub.req.Messages[1].Images)
	assert.Equal(t, outputToolName, stub.req.ToolChoice)
	require.Len(t, stub.req.Tools, 1)
	assert.NotNil(t, stub.req.Tools[0].InputSchema)
	assert.InDelta(t, 0.2, stub.req.Temperature, 1e-6)
}

func TestPlannerFallsBackToText(t *testing.T) {
	stub := &stubLLM{resp: llm.Response{
		Text: "Here is my answer:\n```json\n{\"current_state\":{\"evaluation_previous_goal\":\"Success\",\"memory\":\"{braces}\",\"next_goal\":\"finish\"},\"action\":[{\"done\":{\"text\":\"ok\",\"success\":true}}]}\n```",
	}}
	dec, err := NewPlanner(stub, actions.Default(), 0).Next(context.Background(), plannerMessages)
	require.NoError(t, err)
	assert.Equal(t, []actions.Action{actions.Done{Text: "ok", Success: true}}, dec.Output.Actions)
	assert.Equal(t, "{braces}", dec.Output.CurrentState.Memory)
}

func TestPlannerValidationErrors(t *testing.T) {
	cases := map[string]llm.Response{
		"empty actions": {ToolInput: []byte(`{"current_state":{},"action":[]}`)},
		"unknown kind":  {ToolInput: []byte(`{"current_state":{},"action":[{"fly":{}}]}`)},
		"no json":       {Text: "I cannot help with that."},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPlanner(&stubLLM{resp: resp}, actions.Default(), 0).Next(context.Background(), plannerMessages)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, CategoryValidation, Classify(err))
		})
	}

	_, err := NewPlanner(&stubLLM{err: llm.ErrEmptyResponse}, actions.Default(), 0).Next(context.Background(), plannerMessages)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestPlannerPassesProviderErrors(t *testing.T) {
	cause := llm.ErrorFromHTTPStatus("anthropic", 401, "bad key", nil)
	_, err := NewPlanner(&stubLLM{err: cause}, actions.Default(), 0).Next(context.Background(), plannerMessages)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, CategoryProvider, Classify(err))
}

func TestExtractJSON(t *testing.T) {
	got, err := extractJSON(`He said "hi" then {"a":"}{","b":{"c":"\"x\""}} and more {"d":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"}{","b":{"c":"\"x\""}}`, got)

	_, err = extractJSON(`{"unterminated": true`)
	require.Error(t, err)
}

func TestSystemPromptListsActions(t *testing.T) {
	prompt := SystemPrompt(actions.Default(), 4)
	for _, k := range actions.Default().Kinds() {
		assert.Contains(t, prompt, string(k))
	}
	assert.Contains(t, prompt, "at most 4 actions")
}
