// Package history is the append-only record of a run, one entry per step.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/browser"
	"github.com/polzovatel/browser-agent/internal/dom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StateSummary is the browser state a step observed. InteractedElements is
// aligned with the step's actions; nil marks an action without a target
// element.
type StateSummary struct {
	URL                string                `json:"url"`
	Title              string                `json:"title"`
	Tabs               []browser.Tab         `json:"tabs"`
	InteractedElements []*dom.HistoryElement `json:"interacted_element"`
	Screenshot         string                `json:"screenshot,omitempty"`
}

type StepMetadata struct {
	StepNumber  int       `json:"step_number"`
	StepStart   time.Time `json:"step_start_time"`
	StepEnd     time.Time `json:"step_end_time"`
	InputTokens int       `json:"input_tokens"`
}

// Duration is the wall time of the step.
func (m StepMetadata) Duration() time.Duration {
	return m.StepEnd.Sub(m.StepStart)
}

type Entry struct {
	ModelOutput *actions.ModelOutput `json:"model_output"`
	Results     []actions.Result     `json:"result"`
	State       StateSummary         `json:"state"`
	Metadata    *StepMetadata        `json:"metadata,omitempty"`
}

// List is the history of one run in step order.
type List struct {
	Entries []Entry `json:"history"`
}

func (l *List) Append(e Entry) {
	l.Entries = append(l.Entries, e)
}

func (l *List) Len() int { return len(l.Entries) }

// Last returns the most recent entry, or nil when empty.
func (l *List) Last() *Entry {
	if len(l.Entries) == 0 {
		return nil
	}
	return &l.Entries[len(l.Entries)-1]
}

// Marshal encodes the list in its persisted form.
func (l *List) Marshal() ([]byte, error) {
	return json.MarshalIndent(l, "", "  ")
}

func Unmarshal(data []byte) (*List, error) {
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &l, nil
}

// SaveFile writes the list to path, creating parent directories.
func (l *List) SaveFile(path string) error {
	data, err := l.Marshal()
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadFile(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
