package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/dom"
	"github.com/polzovatel/browser-agent/internal/history"
	"github.com/polzovatel/browser-agent/internal/llm"
	"github.com/polzovatel/browser-agent/internal/snapshot"
)

// StateProvider observes the browser.
type StateProvider interface {
	State(ctx context.Context, withScreenshot bool) (snapshot.Summary, error)
	RemoveHighlights(ctx context.Context) error
}

// ActionExecutor runs one action. A returned error means the browser can no
// longer be used; ordinary failures are reported in the result.
type ActionExecutor interface {
	Execute(ctx context.Context, a actions.Action, elems *dom.ElementMap) (actions.Result, error)
}

// Hooks run around every step of Run. An error ends the run.
type Hooks struct {
	BeforeStep func(ctx context.Context, o *Orchestrator) error
	AfterStep  func(ctx context.Context, o *Orchestrator) error
}

type Option func(*Orchestrator)

func WithRegistry(reg *actions.Registry) Option {
	return func(o *Orchestrator) { o.registry = reg }
}

func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

func WithControls(c *Controls) Option {
	return func(o *Orchestrator) { o.controls = c }
}

// WithRunState continues a checkpointed run instead of starting a new one.
func WithRunState(rs *RunState) Option {
	return func(o *Orchestrator) { o.resume = rs }
}

type Orchestrator struct {
	cfg      Config
	planner  Planner
	provider StateProvider
	executor ActionExecutor
	registry *actions.Registry
	window   *conversation.Window
	controls *Controls
	hooks    Hooks
	loops    loopDetector
	domains  domainTracker
	logger   zerolog.Logger

	state    RunState
	resume   *RunState
	lastSeen history.StateSummary
}

func NewOrchestrator(task string, cfg Config, planner Planner, provider StateProvider, executor ActionExecutor, logger zerolog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		planner:  planner,
		provider: provider,
		executor: executor,
		logger:   logger.With().Str("comp", "agent").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = actions.Default()
	}
	if o.controls == nil {
		o.controls = NewControls()
	}
	o.loops = loopDetector{window: cfg.LoopWindow, threshold: cfg.LoopThreshold, registry: o.registry}

	if rs := o.resume; rs != nil {
		o.restore(rs, logger)
	} else {
		o.state = newRunState(task)
		o.window = conversation.New(SystemPrompt(o.registry, cfg.MaxActionsPerStep), task, cfg.Window, logger)
	}
	o.domains = domainTracker{target: o.state.TargetDomain}
	o.resume = nil
	return o
}

func (o *Orchestrator) restore(rs *RunState, logger zerolog.Logger) {
	o.state = *rs
	o.state.Paused, o.state.Stopped = false, false
	if o.state.History == nil {
		o.state.History = &history.List{}
	}
	if len(rs.Messages) == 0 {
		o.window = conversation.New(SystemPrompt(o.registry, o.cfg.MaxActionsPerStep), rs.Task, o.cfg.Window, logger)
	} else {
		o.window = conversation.Restore(rs.Messages, o.cfg.Window, logger)
	}
	if rs.TokenBudget > 0 {
		o.window.SetBudget(rs.TokenBudget)
	}
	o.state.Messages = nil
	if last := o.state.History.Last(); last != nil {
		o.lastSeen = history.StateSummary{URL: last.State.URL, Title: last.State.Title, Tabs: last.State.Tabs}
	}
	o.logger.Info().
		Str("run_id", o.state.RunID).
		Int("n_steps", o.state.NSteps).
		Int("consecutive_failures", o.state.ConsecutiveFailures).
		Msg("resuming run")
}

func (o *Orchestrator) Controls() *Controls         { return o.controls }
func (o *Orchestrator) History() *history.List      { return o.state.History }
func (o *Orchestrator) Window() *conversation.Window { return o.window }

func (o *Orchestrator) Pause()  { o.controls.Pause() }
func (o *Orchestrator) Resume() { o.controls.Resume() }
func (o *Orchestrator) Stop()   { o.controls.Stop() }

// stepRecord collects what a step produced for its history entry.
type stepRecord struct {
	number      int
	start       time.Time
	state       *snapshot.Summary
	output      *actions.ModelOutput
	results     []actions.Result
	inputTokens int
}

// Step runs one observe-decide-act cycle and always records exactly one
// history entry. It returns ErrInterrupted after a pause or stop request and
// a browser-unavailable error when the run cannot continue; other failures
// are recorded and counted, and Step returns nil.
func (o *Orchestrator) Step(ctx context.Context) (err error) {
	rec := &stepRecord{number: o.state.NSteps + 1, start: time.Now()}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in step %d: %v\n%s", rec.number, p, debug.Stack())
		}
		err = o.finishStep(err, rec)
	}()
	return o.runStep(ctx, rec)
}

func (o *Orchestrator) runStep(ctx context.Context, rec *stepRecord) error {
	summary, err := o.fetchState(ctx, o.cfg.UseVision)
	if err != nil {
		return err
	}
	rec.state = &summary
	domain, departure := o.domains.observe(summary.URL)
	o.state.VisitedDomains = addVisited(o.state.VisitedDomains, domain)

	if err := o.controls.check(); err != nil {
		return err
	}

	o.window.AddStateMessage(summary, o.state.LastResult, conversation.StepInfo{Number: rec.number, Max: o.cfg.MaxSteps}, o.cfg.UseVision)
	if err := o.window.Cut(); err != nil {
		o.window.RemoveLastStateMessage()
		return err
	}
	var notes []string
	for _, n := range []string{o.loops.note(o.state.History), departure} {
		if n != "" {
			notes = append(notes, n)
		}
	}
	rec.inputTokens = o.window.Tokens()

	dec, err := o.decide(ctx, notes)
	o.window.RemoveLastStateMessage()
	if err != nil {
		return err
	}
	out := dec.Output
	rec.output = out
	if dec.InputTokens > 0 {
		rec.inputTokens = dec.InputTokens
	}
	if dropped := out.Truncate(o.cfg.MaxActionsPerStep); dropped > 0 {
		o.logger.Warn().Int("step", rec.number).Int("dropped", dropped).Msg("model returned too many actions, truncated")
	}
	if err := o.window.AddModelOutput(out); err != nil {
		return err
	}
	o.logger.Info().
		Int("step", rec.number).
		Str("url", summary.URL).
		Str("eval", out.CurrentState.EvaluationPreviousGoal).
		Str("next_goal", out.CurrentState.NextGoal).
		Int("actions", len(out.Actions)).
		Msg("model decision")

	results, err := o.executeBatch(ctx, out.Actions, summary.Elements)
	rec.results = results
	return err
}

func (o *Orchestrator) fetchState(ctx context.Context, withScreenshot bool) (snapshot.Summary, error) {
	s, err := o.provider.State(ctx, withScreenshot)
	if err != nil {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		return s, browserUnavailable(err)
	}
	if s.Elements == nil {
		s.Elements = dom.Empty()
	}
	return s, nil
}

// decide asks the planner, retrying a malformed answer once with a
// clarification. A second malformed answer ends the task as unsuccessful.
func (o *Orchestrator) decide(ctx context.Context, notes []string) (Decision, error) {
	var verr *ValidationError
	dec, err := o.invoke(ctx, o.window.Build(notes...))
	if err == nil || !errors.As(err, &verr) {
		return dec, err
	}
	o.logger.Warn().Err(err).Msg("invalid model output, asking again")

	dec, err = o.invoke(ctx, o.window.Build(append(slices.Clone(notes), clarification)...))
	if err == nil || !errors.As(err, &verr) {
		return dec, err
	}
	o.logger.Warn().Err(err).Msg("model output invalid twice, giving up")
	return Decision{Output: &actions.ModelOutput{
		CurrentState: actions.CurrentState{
			EvaluationPreviousGoal: "Failed - the model returned no usable action",
			NextGoal:               "stop",
		},
		Actions: []actions.Action{actions.Done{Text: "no action returned", Success: false}},
	}}, nil
}

// invoke calls the planner, sleeping and retrying on rate limits.
func (o *Orchestrator) invoke(ctx context.Context, msgs []conversation.Message) (Decision, error) {
	for attempt := 0; ; attempt++ {
		dec, err := o.planner.Next(ctx, msgs)
		if err == nil {
			return dec, nil
		}
		if !llm.IsRateLimited(err) || attempt >= o.cfg.MaxRateLimitRetries {
			return Decision{}, err
		}
		delay := o.cfg.RetryDelay
		var rl *llm.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter != nil && *rl.RetryAfter > delay {
			delay = *rl.RetryAfter
		}
		o.logger.Warn().Err(err).Dur("delay", delay).Int("attempt", attempt+1).Msg("rate limited, backing off")
		if err := o.cfg.Sleep(ctx, delay); err != nil {
			return Decision{}, err
		}
		if err := o.controls.check(); err != nil {
			return Decision{}, err
		}
	}
}

// finishStep classifies err, updates the failure counter and records the
// history entry.
func (o *Orchestrator) finishStep(err error, rec *stepRecord) error {
	results := rec.results
	category := Classify(err)
	switch category {
	case CategoryNone:
		if actions.HasSuccess(results) {
			o.state.ConsecutiveFailures = 0
		}
	case CategoryInterrupted:
		if len(results) == 0 {
			results = []actions.Result{{ExtractedContent: "step interrupted"}}
		}
		o.logger.Info().Int("step", rec.number).Msg("step interrupted")
	default:
		o.state.ConsecutiveFailures++
		if category == CategoryValidation && contextExceeded(err) {
			budget := o.window.ShrinkBudget()
			cutErr := o.window.Cut()
			o.logger.Warn().Err(cutErr).Int("budget", budget).Msg("context exceeded, shrinking budget")
		}
		results = append(results, actions.Failed(o.errorMessage(err, category)))
		o.logger.Error().
			Err(err).
			Int("step", rec.number).
			Str("category", category.String()).
			Int("consecutive_failures", o.state.ConsecutiveFailures).
			Msg("step failed")
	}

	o.state.History.Append(history.Entry{
		ModelOutput: rec.output,
		Results:     results,
		State:       o.summarize(rec),
		Metadata: &history.StepMetadata{
			StepNumber:  rec.number,
			StepStart:   rec.start,
			StepEnd:     time.Now(),
			InputTokens: rec.inputTokens,
		},
	})
	o.state.NSteps++
	o.state.LastResult = results

	switch category {
	case CategoryInterrupted, CategoryBrowserUnavailable:
		return err
	}
	return nil
}

func (o *Orchestrator) errorMessage(err error, category Category) string {
	msg := err.Error()
	switch category {
	case CategoryValidation:
		if contextExceeded(err) {
			return "Context window exceeded, the input budget was reduced: " + msg
		}
		msg = "Invalid model output. Follow the required output format.\nDetails: " + msg
	case CategoryRateLimited:
		msg = "Rate limited by the model provider: " + msg
	case CategoryUnclassified:
		if o.cfg.VerboseErrors {
			msg += "\n" + string(debug.Stack())
		}
	}
	return msg
}

func (o *Orchestrator) summarize(rec *stepRecord) history.StateSummary {
	if rec.state == nil {
		return o.lastSeen
	}
	s := history.StateSummary{URL: rec.state.URL, Title: rec.state.Title, Tabs: rec.state.Tabs}
	o.lastSeen = s
	if o.cfg.UseVision {
		s.Screenshot = rec.state.Screenshot
	}
	if rec.output != nil {
		s.InteractedElements = make([]*dom.HistoryElement, len(rec.output.Actions))
		for i, a := range rec.output.Actions {
			if ix, ok := a.(actions.Indexed); ok {
				s.InteractedElements[i] = rec.state.Elements.HistoryElement(ix.ElementIndex())
			}
		}
	}
	return s
}
