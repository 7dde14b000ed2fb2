package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/history"
)

const provenanceKey = "provenance"

// Run steps until the task is done or the run ends. The returned history
// always ends with an entry that explains why the run stopped: the done
// step, the failed step, or a terminal entry without model output.
func (o *Orchestrator) Run(ctx context.Context) (*history.List, error) {
	o.logger.Info().
		Str("run_id", o.state.RunID).
		Str("task", truncateText(o.state.Task, 120)).
		Str("target_domain", o.state.TargetDomain).
		Int("max_steps", o.cfg.MaxSteps).
		Msg("run started")

	err := o.runInitialActions(ctx)
	if err == nil {
		err = o.loop(ctx)
	}
	o.attachProvenance()

	h := o.state.History
	o.logger.Info().
		Err(err).
		Int("steps", o.state.NSteps).
		Bool("done", h.IsDone()).
		Bool("success", h.IsSuccessful()).
		Dur("duration", h.TotalDuration()).
		Int("input_tokens", h.TotalInputTokens()).
		Msg("run finished")
	return h, err
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		if o.state.History.IsDone() {
			return nil
		}
		if o.state.ConsecutiveFailures >= o.cfg.MaxFailures {
			o.terminate(fmt.Sprintf("Stopping: too many consecutive failures (%d)", o.state.ConsecutiveFailures))
			return ErrTooManyFailures
		}
		if o.state.NSteps >= o.cfg.MaxSteps {
			o.terminate(fmt.Sprintf("Failed to complete the task in %d steps", o.cfg.MaxSteps))
			return ErrMaxSteps
		}
		if o.controls.Paused() {
			o.logger.Info().Int("n_steps", o.state.NSteps).Msg("paused")
		}
		if err := o.controls.wait(ctx); err != nil {
			o.terminate("Run cancelled: " + err.Error())
			return err
		}
		if o.controls.Stopped() {
			o.terminate("Stopped by request")
			return ErrStopped
		}

		stepErr, err := o.hooked(ctx, o.Step)
		if err != nil {
			return err
		}
		if Classify(stepErr) == CategoryBrowserUnavailable {
			return stepErr
		}
	}
}

// hooked runs one step between the run hooks. The second error is a hook
// failure, after which the run has already been terminated.
func (o *Orchestrator) hooked(ctx context.Context, step func(context.Context) error) (stepErr, hookErr error) {
	if h := o.hooks.BeforeStep; h != nil {
		if err := h(ctx, o); err != nil {
			o.terminate("Before-step hook failed: " + err.Error())
			return nil, fmt.Errorf("before step hook: %w", err)
		}
	}
	stepErr = step(ctx)
	if h := o.hooks.AfterStep; h != nil {
		if err := h(ctx, o); err != nil {
			o.terminate("After-step hook failed: " + err.Error())
			return stepErr, fmt.Errorf("after step hook: %w", err)
		}
	}
	return stepErr, nil
}

// runInitialActions executes the configured actions once, before the first
// model call, as a step of their own. A non-nil error ends the run.
func (o *Orchestrator) runInitialActions(ctx context.Context) error {
	if len(o.cfg.InitialActions) == 0 || o.state.NSteps > 0 {
		return nil
	}
	stepErr, err := o.hooked(ctx, o.initialStep)
	if err != nil {
		return err
	}
	if Classify(stepErr) == CategoryBrowserUnavailable {
		return stepErr
	}
	return nil
}

func (o *Orchestrator) initialStep(ctx context.Context) error {
	rec := &stepRecord{number: o.state.NSteps + 1, start: time.Now()}
	rec.output = &actions.ModelOutput{
		CurrentState: actions.CurrentState{NextGoal: "run initial actions"},
		Actions:      slices.Clone(o.cfg.InitialActions),
	}
	err := func() error {
		summary, err := o.fetchState(ctx, false)
		if err != nil {
			return err
		}
		rec.state = &summary
		domain, _ := o.domains.observe(summary.URL)
		o.state.VisitedDomains = addVisited(o.state.VisitedDomains, domain)
		results, err := o.executeBatch(ctx, rec.output.Actions, summary.Elements)
		rec.results = results
		return err
	}()
	return o.finishStep(err, rec)
}

// terminate records the entry that explains why the run ended.
func (o *Orchestrator) terminate(reason string) {
	now := time.Now()
	res := actions.Failed(reason)
	o.state.History.Append(history.Entry{
		Results:  []actions.Result{res},
		State:    o.lastSeen,
		Metadata: &history.StepMetadata{StepNumber: o.state.NSteps + 1, StepStart: now, StepEnd: now},
	})
	o.state.NSteps++
	o.state.LastResult = []actions.Result{res}
	o.logger.Warn().Str("reason", reason).Int("n_steps", o.state.NSteps).Msg("run ended")
}

// attachProvenance notes on the final result which sources outside the
// target domain the run relied on.
func (o *Orchestrator) attachProvenance() {
	note := o.domains.provenance(o.state.VisitedDomains)
	last := o.state.History.Last()
	if note == "" || last == nil || len(last.Results) == 0 {
		return
	}
	r := &last.Results[len(last.Results)-1]
	if o.cfg.StructuredOutput {
		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		r.Metadata[provenanceKey] = note
		return
	}
	if strings.Contains(r.ExtractedContent, note) {
		return
	}
	if r.ExtractedContent == "" {
		r.ExtractedContent = note
	} else {
		r.ExtractedContent += "\n\n" + note
	}
}
