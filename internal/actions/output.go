package actions

import (
	"encoding/json"
	"fmt"
)

// CurrentState is the model's reasoning summary for one step.
type CurrentState struct {
	EvaluationPreviousGoal string `json:"evaluation_previous_goal"`
	Memory                 string `json:"memory"`
	NextGoal               string `json:"next_goal"`
}

// ModelOutput is one model decision: reasoning plus an ordered action batch.
type ModelOutput struct {
	CurrentState CurrentState
	Actions      []Action
}

type wireOutput struct {
	CurrentState CurrentState      `json:"current_state"`
	Action       []json.RawMessage `json:"action"`
}

func (m ModelOutput) MarshalJSON() ([]byte, error) {
	w := wireOutput{CurrentState: m.CurrentState, Action: make([]json.RawMessage, 0, len(m.Actions))}
	for _, a := range m.Actions {
		b, err := Marshal(a)
		if err != nil {
			return nil, err
		}
		w.Action = append(w.Action, b)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes actions with the builtin registry.
func (m *ModelOutput) UnmarshalJSON(data []byte) error {
	out, err := ParseModelOutput(Default(), data)
	if err != nil {
		return err
	}
	*m = *out
	return nil
}

// ParseModelOutput decodes and validates a model decision against reg.
func ParseModelOutput(reg *Registry, data []byte) (*ModelOutput, error) {
	var w wireOutput
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("model output json: %w", err)
	}
	out := &ModelOutput{CurrentState: w.CurrentState, Actions: make([]Action, 0, len(w.Action))}
	for i, raw := range w.Action {
		a, err := reg.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out.Actions = append(out.Actions, a)
	}
	return out, nil
}

// Truncate keeps at most limit actions and reports how many were dropped.
func (m *ModelOutput) Truncate(limit int) int {
	if limit <= 0 || len(m.Actions) <= limit {
		return 0
	}
	dropped := len(m.Actions) - limit
	m.Actions = m.Actions[:limit]
	return dropped
}
