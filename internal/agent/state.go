package agent

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/ulid/v2"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/history"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RunState is everything needed to continue a run in a new process.
type RunState struct {
	RunID               string           `json:"run_id"`
	Task                string           `json:"task"`
	NSteps              int              `json:"n_steps"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Paused              bool             `json:"paused"`
	Stopped             bool             `json:"stopped"`
	LastResult          []actions.Result `json:"last_result"`
	History             *history.List    `json:"history"`
	TargetDomain        string           `json:"target_domain,omitempty"`
	// VisitedDomains is sorted and free of duplicates.
	VisitedDomains []string               `json:"visited_domains"`
	TokenBudget    int                    `json:"token_budget"`
	Messages       []conversation.Message `json:"messages"`
}

func newRunState(task string) RunState {
	return RunState{
		RunID:        ulid.Make().String(),
		Task:         task,
		History:      &history.List{},
		TargetDomain: TargetDomain(task),
	}
}

// Snapshot captures the run at a step boundary. The history is shared with
// the orchestrator and must not be modified.
func (o *Orchestrator) Snapshot() *RunState {
	s := o.state
	s.Paused = o.controls.Paused()
	s.Stopped = o.controls.Stopped()
	s.VisitedDomains = append([]string(nil), o.state.VisitedDomains...)
	s.TokenBudget = o.window.Budget()
	s.Messages = o.window.Messages()
	return &s
}

// Save writes the state atomically.
func (s *RunState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode run state %s: %w", path, err)
	}
	if s.History == nil {
		s.History = &history.List{}
	}
	return &s, nil
}
