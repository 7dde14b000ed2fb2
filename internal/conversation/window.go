// Package conversation keeps the token-bounded message history sent to the
// model each step.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/snapshot"
)

// ErrContextIrreducible is returned by Cut when the pinned messages and the
// current state header exceed the token budget.
var ErrContextIrreducible = errors.New("context irreducible: pinned messages and current state exceed the token budget")

const stateHeader = "[Current state starts here]\n"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind tells what a message carries, independent of its role.
type Kind string

const (
	KindSystem      Kind = "system"
	KindTask        Kind = "task"
	KindContext     Kind = "context"
	KindState       Kind = "state"
	KindModelOutput Kind = "model_output"
	KindResult      Kind = "result"
	KindNote        Kind = "note"
)

type Message struct {
	Role    Role     `json:"role"`
	Kind    Kind     `json:"kind"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
	Tokens  int      `json:"tokens"`
	Pinned  bool     `json:"pinned,omitempty"`
}

type Settings struct {
	MaxInputTokens int
	// ShrinkStep is how much ShrinkBudget lowers the budget.
	ShrinkStep    int
	CharsPerToken int
	ImageTokens   int
	// Secrets are masked as <secret>name</secret> in stored content.
	Secrets map[string]string
	// Context is optional extra pinned guidance placed after the task.
	Context string
}

func (s Settings) withDefaults() Settings {
	if s.MaxInputTokens <= 0 {
		s.MaxInputTokens = 128000
	}
	if s.ShrinkStep <= 0 {
		s.ShrinkStep = 500
	}
	if s.CharsPerToken <= 0 {
		s.CharsPerToken = 3
	}
	if s.ImageTokens <= 0 {
		s.ImageTokens = 800
	}
	return s
}

// StepInfo places a state message within the run.
type StepInfo struct {
	Number int
	Max    int
}

// Window is the ordered conversation with its running token total. It is
// owned by a single step-execution path and is not safe for concurrent use.
type Window struct {
	settings Settings
	messages []Message
	tokens   int
	secrets  []secret
	log      zerolog.Logger
}

type secret struct{ name, value string }

// New creates a window whose system and task messages are pinned.
func New(system, task string, settings Settings, log zerolog.Logger) *Window {
	w := newWindow(settings, log)
	w.append(Message{Role: RoleSystem, Kind: KindSystem, Content: system, Pinned: true})
	w.append(Message{Role: RoleUser, Kind: KindTask, Content: "Your ultimate task is: " + task, Pinned: true})
	if w.settings.Context != "" {
		w.append(Message{Role: RoleUser, Kind: KindContext, Content: "Context for the task: " + w.settings.Context, Pinned: true})
	}
	return w
}

// Restore rebuilds a window from saved messages, recounting every token
// cost under the current settings.
func Restore(messages []Message, settings Settings, log zerolog.Logger) *Window {
	w := newWindow(settings, log)
	for _, m := range messages {
		w.append(m)
	}
	return w
}

func newWindow(settings Settings, log zerolog.Logger) *Window {
	w := &Window{settings: settings.withDefaults(), log: log.With().Str("comp", "conversation").Logger()}
	for name, value := range w.settings.Secrets {
		if value != "" {
			w.secrets = append(w.secrets, secret{name: name, value: value})
		}
	}
	// Longer values first so one secret containing another masks whole.
	sort.Slice(w.secrets, func(i, j int) bool {
		if len(w.secrets[i].value) != len(w.secrets[j].value) {
			return len(w.secrets[i].value) > len(w.secrets[j].value)
		}
		return w.secrets[i].name < w.secrets[j].name
	})
	return w
}

func (w *Window) append(m Message) {
	m.Content = w.mask(m.Content)
	m.Tokens = w.count(m)
	w.messages = append(w.messages, m)
	w.tokens += m.Tokens
}

func (w *Window) removeAt(i int) {
	w.tokens -= w.messages[i].Tokens
	w.messages = append(w.messages[:i], w.messages[i+1:]...)
}

func (w *Window) count(m Message) int {
	return len(m.Content)/w.settings.CharsPerToken + len(m.Images)*w.settings.ImageTokens
}

func (w *Window) mask(s string) string {
	for _, sec := range w.secrets {
		s = strings.ReplaceAll(s, sec.value, "<secret>"+sec.name+"</secret>")
	}
	return s
}

// AddStateMessage records the current page state. Prior results marked for
// memory become persistent result messages; the rest are shown once inside
// the state message.
func (w *Window) AddStateMessage(state snapshot.Summary, results []actions.Result, step StepInfo, useVision bool) {
	var oneShot []actions.Result
	for _, r := range results {
		if !r.IncludeInMemory {
			oneShot = append(oneShot, r)
			continue
		}
		if r.ExtractedContent != "" {
			w.append(Message{Role: RoleUser, Kind: KindResult, Content: "Action result: " + r.ExtractedContent})
		}
		if r.Error != "" {
			w.append(Message{Role: RoleUser, Kind: KindResult, Content: "Action error: " + lastLine(r.Error)})
		}
	}

	var b strings.Builder
	b.WriteString(stateHeader)
	b.WriteString("The following is one-time information - if you need to remember it write it to memory:\n")
	b.WriteString(state.String())
	if step.Max > 0 {
		fmt.Fprintf(&b, "Current step: %d/%d\n", step.Number, step.Max)
	}
	for i, r := range oneShot {
		if r.ExtractedContent != "" {
			fmt.Fprintf(&b, "Action result %d/%d: %s\n", i+1, len(oneShot), r.ExtractedContent)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "Action error %d/%d: ...%s\n", i+1, len(oneShot), lastLine(r.Error))
		}
	}
	msg := Message{Role: RoleUser, Kind: KindState, Content: b.String()}
	if useVision && state.Screenshot != "" {
		msg.Images = []string{state.Screenshot}
	}
	w.append(msg)
}

// RemoveLastStateMessage drops the most recent state message, if any.
func (w *Window) RemoveLastStateMessage() bool {
	for i := len(w.messages) - 1; i >= 0; i-- {
		if w.messages[i].Kind == KindState {
			w.removeAt(i)
			return true
		}
	}
	return false
}

// AddModelOutput records the model's decision as an assistant message.
func (w *Window) AddModelOutput(out *actions.ModelOutput) error {
	data, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode model output: %w", err)
	}
	w.append(Message{Role: RoleAssistant, Kind: KindModelOutput, Content: string(data)})
	return nil
}

// addNote appends a persistent user message.
func (w *Window) addNote(content string) {
	w.append(Message{Role: RoleUser, Kind: KindNote, Content: content})
}

// Cut evicts the oldest unpinned messages until the total fits the budget.
// The newest state message is never evicted: when everything else is gone
// and it still does not fit, its screenshot is dropped and then its content
// is truncated.
func (w *Window) Cut() error {
	current := w.lastState()
	for w.tokens > w.settings.MaxInputTokens {
		i := w.oldestEvictable(current)
		if i < 0 {
			break
		}
		w.log.Debug().Str("kind", string(w.messages[i].Kind)).Int("tokens", w.messages[i].Tokens).Msg("evicting message")
		w.removeAt(i)
		if i < current {
			current--
		}
	}
	if w.tokens > w.settings.MaxInputTokens && current >= 0 {
		w.shrinkState(current)
	}
	if w.tokens > w.settings.MaxInputTokens {
		return fmt.Errorf("%w (%d > %d)", ErrContextIrreducible, w.tokens, w.settings.MaxInputTokens)
	}
	return nil
}

func (w *Window) oldestEvictable(keep int) int {
	for i, m := range w.messages {
		if !m.Pinned && i != keep {
			return i
		}
	}
	return -1
}

func (w *Window) lastState() int {
	for i := len(w.messages) - 1; i >= 0; i-- {
		if w.messages[i].Kind == KindState {
			return i
		}
	}
	return -1
}

// shrinkState fits the state message at i into what the budget leaves. The
// state header always survives; if it cannot, the message is left as is.
func (w *Window) shrinkState(i int) {
	m := &w.messages[i]
	if len(m.Images) > 0 {
		w.log.Debug().Int("images", len(m.Images)).Msg("dropping screenshot to fit budget")
		m.Images = nil
		w.recount(i)
	}
	over := w.tokens - w.settings.MaxInputTokens
	if over <= 0 {
		return
	}
	keep := len(m.Content) - over*w.settings.CharsPerToken
	for keep > 0 && keep < len(m.Content) && !utf8.RuneStart(m.Content[keep]) {
		keep--
	}
	if keep < len(stateHeader) {
		return
	}
	w.log.Debug().Int("from", len(m.Content)).Int("to", keep).Msg("truncating state to fit budget")
	m.Content = m.Content[:keep]
	w.recount(i)
}

func (w *Window) recount(i int) {
	w.tokens -= w.messages[i].Tokens
	w.messages[i].Tokens = w.count(w.messages[i])
	w.tokens += w.messages[i].Tokens
}

// ShrinkBudget lowers the budget by the configured step, not below the
// pinned total, and returns the new budget.
func (w *Window) ShrinkBudget() int {
	floor := 0
	for _, m := range w.messages {
		if m.Pinned {
			floor += m.Tokens
		}
	}
	w.settings.MaxInputTokens = max(w.settings.MaxInputTokens-w.settings.ShrinkStep, floor)
	w.log.Info().Int("budget", w.settings.MaxInputTokens).Msg("token budget shrunk")
	return w.settings.MaxInputTokens
}

// SetBudget restores a budget saved with a run checkpoint.
func (w *Window) SetBudget(tokens int) {
	if tokens > 0 {
		w.settings.MaxInputTokens = tokens
	}
}

// Build returns the messages to send, with ephemeral notes appended. The
// notes are not stored.
func (w *Window) Build(ephemeral ...string) []Message {
	out := make([]Message, 0, len(w.messages)+len(ephemeral))
	out = append(out, w.Messages()...)
	for _, note := range ephemeral {
		m := Message{Role: RoleUser, Kind: KindNote, Content: w.mask(note)}
		m.Tokens = w.count(m)
		out = append(out, m)
	}
	return out
}

// Messages returns a copy of the stored messages.
func (w *Window) Messages() []Message {
	out := make([]Message, len(w.messages))
	for i, m := range w.messages {
		m.Images = append([]string(nil), m.Images...)
		out[i] = m
	}
	return out
}

func (w *Window) Tokens() int { return w.tokens }
func (w *Window) Budget() int { return w.settings.MaxInputTokens }
func (w *Window) Len() int    { return len(w.messages) }

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 400 {
		s = s[len(s)-400:]
	}
	return s
}
