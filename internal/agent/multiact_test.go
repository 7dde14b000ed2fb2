package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/actions"
)

const shopURL = "https://shop.example.com/"

func TestBatchStopsWhenTargetChanges(t *testing.T) {
	before := page(t, shopURL, button(1), button(2), button(3))
	moved := button(2)
	moved.xpath = "/html[1]/body[1]/div[1]/button[1]"
	after := page(t, shopURL, button(1), moved, button(3))

	h := newHarness(t, "buy a lamp", Config{}, before, after)
	h.planner.replies = []reply{respond(
		actions.ClickElement{Index: 1},
		actions.ClickElement{Index: 2},
		actions.ClickElement{Index: 3},
	)}

	require.NoError(t, h.o.Step(context.Background()))
	results := h.o.History().Last().Results
	require.Len(t, results, 2)
	assert.Equal(t, "Element index changed after action 1 / 3, because page changed.", results[1].ExtractedContent)
	assert.Empty(t, results[1].Error)
	assert.Equal(t, []actions.Kind{actions.KindClickElement}, h.exec.kinds())
}

func TestBatchStopsWhenTargetVanishes(t *testing.T) {
	before := page(t, shopURL, button(1), button(2))
	after := page(t, shopURL, button(1))

	h := newHarness(t, "buy a lamp", Config{}, before, after)
	h.planner.replies = []reply{respond(actions.ScrollDown{}, actions.InputText{Index: 2, Text: "lamp"})}

	require.NoError(t, h.o.Step(context.Background()))
	results := h.o.History().Last().Results
	require.Len(t, results, 2)
	assert.Contains(t, results[1].ExtractedContent, "after action 1 / 2")
}

func TestBatchRunsWhenPageStable(t *testing.T) {
	h := newHarness(t, "buy a lamp", Config{})
	h.planner.replies = []reply{respond(
		actions.ClickElement{Index: 1},
		actions.ClickElement{Index: 2},
		actions.ClickElement{Index: 3},
	)}

	require.NoError(t, h.o.Step(context.Background()))
	assert.Len(t, h.o.History().Last().Results, 3)
	assert.Len(t, h.exec.executed, 3)
	// one pause between each pair of actions
	assert.Len(t, h.sleeps.delays, 2)
}

func TestBatchStopsOnDoneAndError(t *testing.T) {
	h := newHarness(t, "buy a lamp", Config{})
	h.planner.replies = []reply{
		respond(actions.Done{Text: "early", Success: true}, actions.ClickElement{Index: 1}),
	}
	require.NoError(t, h.o.Step(context.Background()))
	assert.Equal(t, []actions.Kind{actions.KindDone}, h.exec.kinds())

	h = newHarness(t, "buy a lamp", Config{})
	h.planner.replies = []reply{respond(actions.ClickElement{Index: 1}, actions.ClickElement{Index: 2})}
	h.exec.onExec = func(actions.Action) (actions.Result, error) {
		return actions.Failed("element not clickable"), nil
	}
	require.NoError(t, h.o.Step(context.Background()))
	assert.Len(t, h.exec.executed, 1)
	assert.Equal(t, "element not clickable", h.o.History().Last().Results[0].Error)
}

func TestStrictModeStopsOnNewElements(t *testing.T) {
	before := page(t, shopURL, button(1), button(2))
	grown := page(t, shopURL, button(1), button(2), button(4))

	h := newHarness(t, "buy a lamp", Config{StrictNewElements: true}, before, grown)
	h.planner.replies = []reply{respond(actions.ClickElement{Index: 1}, actions.ClickElement{Index: 2})}

	require.NoError(t, h.o.Step(context.Background()))
	results := h.o.History().Last().Results
	require.Len(t, results, 2)
	assert.Equal(t, "Something new appeared after action 1 / 2", results[1].ExtractedContent)
	assert.Len(t, h.exec.executed, 1)
}

func TestLenientModeIgnoresNewElements(t *testing.T) {
	before := page(t, shopURL, button(1), button(2))
	grown := page(t, shopURL, button(1), button(2), button(4))

	h := newHarness(t, "buy a lamp", Config{}, before, grown)
	h.planner.replies = []reply{respond(actions.ClickElement{Index: 1}, actions.ClickElement{Index: 2})}

	require.NoError(t, h.o.Step(context.Background()))
	assert.Len(t, h.exec.executed, 2)
}
