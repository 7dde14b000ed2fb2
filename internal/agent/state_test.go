package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/snapshot"
)

func TestCheckpointAndResume(t *testing.T) {
	task := "Buy the blue lamp on https://shop.example.com"
	h := newHarness(t, task, Config{MaxSteps: 2},
		page(t, "https://www.bing.com/search?q=lamp", button(1)),
		page(t, "https://shop.example.com/", button(1), button(2)),
	)
	h.planner.fallback = respond(actions.ScrollDown{})
	_, err := h.o.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxSteps)
	h.o.Window().ShrinkBudget()

	path := filepath.Join(t.TempDir(), "run", "state.json")
	saved := h.o.Snapshot()
	require.NoError(t, saved.Save(path))

	loaded, err := LoadRunState(path)
	require.NoError(t, err)
	assert.Equal(t, saved.RunID, loaded.RunID)
	assert.Len(t, loaded.RunID, 26)
	assert.Equal(t, 3, loaded.NSteps)
	assert.Equal(t, "shop.example.com", loaded.TargetDomain)
	assert.Equal(t, []string{"bing.com", "shop.example.com"}, loaded.VisitedDomains)
	assert.Equal(t, 128000-500, loaded.TokenBudget)
	assert.Equal(t, saved.History.ActionNames(), loaded.History.ActionNames())
	if diff := cmp.Diff(saved.Messages, loaded.Messages, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("messages changed across checkpoint (-want +got):\n%s", diff)
	}

	planner := &fakePlanner{replies: []reply{respond(actions.Done{Text: "bought", Success: true})}}
	resumed := NewOrchestrator(task, Config{MaxSteps: 10, Sleep: (&sleepRecorder{}).sleep}, planner,
		&fakeProvider{states: []snapshot.Summary{page(t, "https://shop.example.com/cart", button(1))}},
		&fakeExecutor{}, zerolog.Nop(), WithRunState(loaded))
	assert.Equal(t, 128000-500, resumed.Window().Budget())

	hist, err := resumed.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, hist.Len())
	assert.Equal(t, 4, hist.Last().Metadata.StepNumber)
	assert.True(t, hist.IsSuccessful())

	// the resumed prompt starts from the restored conversation
	first := planner.calls[0]
	assert.Equal(t, conversation.RoleSystem, first[0].Role)
	assert.Equal(t, loaded.Messages[1].Content, first[1].Content)
}

func TestSnapshotReflectsControls(t *testing.T) {
	h := newHarness(t, "buy a lamp", Config{})
	h.o.Pause()
	s := h.o.Snapshot()
	assert.True(t, s.Paused)
	assert.False(t, s.Stopped)
	h.o.Stop()
	assert.True(t, h.o.Snapshot().Stopped)
	assert.Empty(t, s.TargetDomain)
}

func TestLoadRunStateMissingFile(t *testing.T) {
	_, err := LoadRunState(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
