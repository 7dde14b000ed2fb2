package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/browser"
	"github.com/polzovatel/browser-agent/internal/llm"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{nil, CategoryNone},
		{ErrInterrupted, CategoryInterrupted},
		{fmt.Errorf("step: %w", context.Canceled), CategoryInterrupted},
		{browserUnavailable(errors.New("tab crashed")), CategoryBrowserUnavailable},
		{fmt.Errorf("click: %w", browser.ErrUnavailable), CategoryBrowserUnavailable},
		{&ValidationError{Msg: "no actions"}, CategoryValidation},
		{llm.ErrorFromHTTPStatus("anthropic", 400, "prompt is too long: 210000 tokens", nil), CategoryValidation},
		{llm.ErrorFromHTTPStatus("openai", 429, "slow down", nil), CategoryRateLimited},
		{llm.ErrorFromHTTPStatus("openai", 500, "oops", nil), CategoryProvider},
		{llm.ErrorFromHTTPStatus("openai", 403, "forbidden", nil), CategoryProvider},
		{llm.NewUnavailableError("anthropic", errors.New("dial tcp: refused")), CategoryProvider},
		{errors.New("something odd"), CategoryUnclassified},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestContextExceeded(t *testing.T) {
	assert.True(t, contextExceeded(llm.ErrorFromHTTPStatus("anthropic", 413, "too big", nil)))
	assert.True(t, contextExceeded(&ValidationError{Msg: "max token limit reached"}))
	assert.False(t, contextExceeded(&ValidationError{Msg: "no actions"}))
}

func TestGateBlocksWhileClosed(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.Wait(context.Background()))

	g.Close()
	assert.True(t, g.IsClosed())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()
	g.Open()
	require.NoError(t, <-released)
	assert.False(t, g.IsClosed())

	// idempotent
	g.Open()
	g.Close()
	g.Close()
	g.Open()
	require.NoError(t, g.Wait(context.Background()))
}

func TestControlsCheck(t *testing.T) {
	c := NewControls()
	require.NoError(t, c.check())
	c.Pause()
	require.ErrorIs(t, c.check(), ErrInterrupted)
	c.Resume()
	require.NoError(t, c.check())
	c.Stop()
	require.ErrorIs(t, c.check(), ErrInterrupted)
	assert.True(t, c.Stopped())
	assert.False(t, c.Paused())
}
