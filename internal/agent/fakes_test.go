package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/dom"
	"github.com/polzovatel/browser-agent/internal/snapshot"
)

type el struct {
	idx   int
	tag   string
	xpath string
	id    string
}

func button(idx int) el {
	return el{idx: idx, tag: "button", xpath: fmt.Sprintf("/html[1]/body[1]/button[%d]", idx), id: fmt.Sprintf("b%d", idx)}
}

func page(t *testing.T, url string, els ...el) snapshot.Summary {
	t.Helper()
	nodes := []dom.Node{
		{Parent: dom.NoParent, Tag: "html", XPath: "/html[1]"},
		{Parent: 0, Tag: "body", XPath: "/html[1]/body[1]"},
	}
	for _, e := range els {
		i := e.idx
		nodes = append(nodes, dom.Node{
			Parent:     1,
			Tag:        e.tag,
			XPath:      e.xpath,
			Attributes: map[string]string{"id": e.id},
			Text:       e.id,
			Index:      &i,
			InViewport: true,
		})
	}
	m, err := dom.NewElementMap(nodes)
	require.NoError(t, err)
	return snapshot.Summary{URL: url, Title: "Page", Elements: m}
}

// fakeProvider serves states in order and repeats the last one.
type fakeProvider struct {
	mu     sync.Mutex
	states []snapshot.Summary
	err    error
	calls  int
}

func (p *fakeProvider) State(ctx context.Context, withScreenshot bool) (snapshot.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return snapshot.Summary{}, p.err
	}
	s := p.states[0]
	if len(p.states) > 1 {
		p.states = p.states[1:]
	}
	return s, nil
}

func (p *fakeProvider) RemoveHighlights(ctx context.Context) error { return nil }

type reply func() (Decision, error)

func respond(as ...actions.Action) reply {
	return func() (Decision, error) {
		return Decision{Output: &actions.ModelOutput{
			CurrentState: actions.CurrentState{EvaluationPreviousGoal: "Unknown", Memory: "-", NextGoal: "act"},
			Actions:      slices.Clone(as),
		}}, nil
	}
}

func failWith(err error) reply {
	return func() (Decision, error) { return Decision{}, err }
}

// fakePlanner plays replies in order, then fallback, then a successful done.
type fakePlanner struct {
	mu       sync.Mutex
	replies  []reply
	fallback reply
	calls    [][]conversation.Message
}

func (p *fakePlanner) Next(ctx context.Context, msgs []conversation.Message) (Decision, error) {
	p.mu.Lock()
	p.calls = append(p.calls, slices.Clone(msgs))
	var r reply
	switch {
	case len(p.replies) > 0:
		r, p.replies = p.replies[0], p.replies[1:]
	case p.fallback != nil:
		r = p.fallback
	default:
		r = respond(actions.Done{Text: "finished", Success: true})
	}
	p.mu.Unlock()
	return r()
}

func (p *fakePlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []actions.Action
	onExec   func(a actions.Action) (actions.Result, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, a actions.Action, elems *dom.ElementMap) (actions.Result, error) {
	e.mu.Lock()
	e.executed = append(e.executed, a)
	fn := e.onExec
	e.mu.Unlock()
	if fn != nil {
		return fn(a)
	}
	return defaultResult(a), nil
}

func defaultResult(a actions.Action) actions.Result {
	if d, ok := a.(actions.Done); ok {
		return actions.Result{IsDone: true, Success: actions.Bool(d.Success), ExtractedContent: d.Text, IncludeInMemory: true}
	}
	return actions.Note("ran " + string(a.Kind()))
}

func (e *fakeExecutor) kinds() []actions.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]actions.Kind, 0, len(e.executed))
	for _, a := range e.executed {
		out = append(out, a.Kind())
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	o        *Orchestrator
	planner  *fakePlanner
	provider *fakeProvider
	exec     *fakeExecutor
	sleeps   *sleepRecorder
}

func newHarness(t *testing.T, task string, cfg Config, states ...snapshot.Summary) *harness {
	t.Helper()
	if len(states) == 0 {
		states = []snapshot.Summary{page(t, "https://shop.example.com/", button(1), button(2), button(3))}
	}
	h := &harness{
		planner:  &fakePlanner{},
		provider: &fakeProvider{states: states},
		exec:     &fakeExecutor{},
		sleeps:   &sleepRecorder{},
	}
	if cfg.Sleep == nil {
		cfg.Sleep = h.sleeps.sleep
	}
	h.o = NewOrchestrator(task, cfg, h.planner, h.provider, h.exec, zerolog.Nop())
	return h
}

func anyContains(msgs []conversation.Message, s string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Content, s) {
			return true
		}
	}
	return false
}

func lastMessage(msgs []conversation.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}
