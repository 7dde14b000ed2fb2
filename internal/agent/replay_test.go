package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/dom"
	"github.com/polzovatel/browser-agent/internal/history"
)

// recorded builds a history whose single click targets the element at idx
// of rec.
func recorded(t *testing.T, rec *dom.ElementMap, idx int, extra ...history.Entry) *history.List {
	t.Helper()
	l := &history.List{}
	l.Append(history.Entry{
		ModelOutput: &actions.ModelOutput{Actions: []actions.Action{actions.ClickElement{Index: idx}}},
		State:       history.StateSummary{InteractedElements: []*dom.HistoryElement{rec.HistoryElement(idx)}},
	})
	for _, e := range extra {
		l.Append(e)
	}
	return l
}

func TestReplayRetargetsByIdentity(t *testing.T) {
	then := page(t, shopURL, button(1), button(2), button(3))
	// same element, new index
	moved := button(3)
	moved.idx = 7
	now := page(t, shopURL, button(1), moved)

	h := newHarness(t, "buy a lamp", Config{}, now)
	results, err := h.o.Replay(context.Background(), recorded(t, then.Elements, 3), DefaultReplayOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []actions.Action{actions.ClickElement{Index: 7}}, h.exec.executed)
}

func TestReplayFirstStepUnresolvedFailsLoudly(t *testing.T) {
	then := page(t, shopURL, button(1), button(2), button(3))
	now := page(t, shopURL, button(1))

	h := newHarness(t, "buy a lamp", Config{}, now)
	_, err := h.o.Replay(context.Background(), recorded(t, then.Elements, 3), DefaultReplayOptions())
	require.ErrorIs(t, err, ErrElementNotFound)
	assert.Empty(t, h.exec.executed)
	// two waits between three attempts
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps.delays)
}

func TestReplaySkipsLaterFailures(t *testing.T) {
	then := page(t, shopURL, button(1), button(2), button(3))
	now := page(t, shopURL, button(1), button(2))
	missing := history.Entry{
		ModelOutput: &actions.ModelOutput{Actions: []actions.Action{actions.ClickElement{Index: 3}}},
		State:       history.StateSummary{InteractedElements: []*dom.HistoryElement{then.Elements.HistoryElement(3)}},
	}
	terminal := history.Entry{Results: []actions.Result{actions.Failed("Stopped by request")}}

	h := newHarness(t, "buy a lamp", Config{}, now)
	results, err := h.o.Replay(context.Background(), recorded(t, then.Elements, 1, missing, terminal), ReplayOptions{MaxRetries: 1, SkipFailures: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.Contains(t, results[1].Error, "replay step 2")

	h = newHarness(t, "buy a lamp", Config{}, now)
	_, err = h.o.Replay(context.Background(), recorded(t, then.Elements, 1, missing), ReplayOptions{MaxRetries: 1})
	require.ErrorIs(t, err, ErrElementNotFound)
}

func TestReplayRunsUnindexedActions(t *testing.T) {
	h := newHarness(t, "buy a lamp", Config{})
	l := &history.List{}
	l.Append(history.Entry{
		ModelOutput: &actions.ModelOutput{Actions: []actions.Action{
			actions.GoToURL{URL: "https://shop.example.com"},
			actions.ScrollDown{},
		}},
		State: history.StateSummary{InteractedElements: []*dom.HistoryElement{nil, nil}},
	})

	results, err := h.o.Replay(context.Background(), l, DefaultReplayOptions())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []actions.Kind{actions.KindGoToURL, actions.KindScrollDown}, h.exec.kinds())
}
