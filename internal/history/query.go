package history

import (
	"time"

	"github.com/polzovatel/browser-agent/internal/actions"
)

func (l *List) lastResult() *actions.Result {
	last := l.Last()
	if last == nil || len(last.Results) == 0 {
		return nil
	}
	return &last.Results[len(last.Results)-1]
}

// FinalResult is the content of the last result of the run.
func (l *List) FinalResult() string {
	if r := l.lastResult(); r != nil {
		return r.ExtractedContent
	}
	return ""
}

func (l *List) IsDone() bool {
	r := l.lastResult()
	return r != nil && r.IsDone
}

// IsSuccessful reports the success flag of a finished run; false while the
// run is not done.
func (l *List) IsSuccessful() bool {
	r := l.lastResult()
	return r != nil && r.IsDone && r.Success != nil && *r.Success
}

func (l *List) HasErrors() bool {
	for _, e := range l.Errors() {
		if e != "" {
			return true
		}
	}
	return false
}

// Errors returns one entry per step: the first error of that step, or "".
func (l *List) Errors() []string {
	out := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		for _, r := range e.Results {
			if r.Error != "" {
				out[i] = r.Error
				break
			}
		}
	}
	return out
}

func (l *List) URLs() []string {
	out := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.State.URL)
	}
	return out
}

// Screenshots lists the recorded screenshots, "" where none was taken.
func (l *List) Screenshots() []string {
	out := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.State.Screenshot)
	}
	return out
}

func (l *List) ActionNames() []string {
	var out []string
	for _, e := range l.Entries {
		if e.ModelOutput == nil {
			continue
		}
		for _, a := range e.ModelOutput.Actions {
			out = append(out, string(a.Kind()))
		}
	}
	return out
}

func (l *List) ModelThoughts() []actions.CurrentState {
	var out []actions.CurrentState
	for _, e := range l.Entries {
		if e.ModelOutput != nil {
			out = append(out, e.ModelOutput.CurrentState)
		}
	}
	return out
}

func (l *List) ExtractedContent() []string {
	var out []string
	for _, e := range l.Entries {
		for _, r := range e.Results {
			if r.ExtractedContent != "" {
				out = append(out, r.ExtractedContent)
			}
		}
	}
	return out
}

func (l *List) TotalDuration() time.Duration {
	var d time.Duration
	for _, e := range l.Entries {
		if e.Metadata != nil {
			d += e.Metadata.Duration()
		}
	}
	return d
}

func (l *List) TotalInputTokens() int {
	n := 0
	for _, e := range l.Entries {
		if e.Metadata != nil {
			n += e.Metadata.InputTokens
		}
	}
	return n
}
