package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/history"
)

// ErrElementNotFound means a recorded element could not be located on the
// current page.
var ErrElementNotFound = errors.New("recorded element not found on page")

type ReplayOptions struct {
	MaxRetries   int
	SkipFailures bool
	// Delay is waited between steps and between retries.
	Delay time.Duration
}

func DefaultReplayOptions() ReplayOptions {
	return ReplayOptions{MaxRetries: 3, SkipFailures: true, Delay: 2 * time.Second}
}

// Replay re-executes the actions of a recorded history. Indexed actions are
// re-targeted by matching the recorded element against the current page.
// Failing the first replayable step always aborts the replay.
func (o *Orchestrator) Replay(ctx context.Context, h *history.List, opts ReplayOptions) ([]actions.Result, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	var all []actions.Result
	first := true
	for i, e := range h.Entries {
		if e.ModelOutput == nil || len(e.ModelOutput.Actions) == 0 {
			o.logger.Debug().Int("step", i+1).Msg("replay: nothing to run")
			continue
		}
		if !first {
			if err := o.cfg.Sleep(ctx, opts.Delay); err != nil {
				return all, err
			}
		}

		var (
			results []actions.Result
			err     error
		)
		for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
			results, err = o.replayEntry(ctx, e)
			if err == nil || fatalReplay(ctx, err) {
				break
			}
			o.logger.Warn().Err(err).Int("step", i+1).Int("attempt", attempt).Msg("replay step failed")
			if attempt < opts.MaxRetries {
				if serr := o.cfg.Sleep(ctx, opts.Delay); serr != nil {
					return all, serr
				}
			}
		}

		switch {
		case err == nil:
			all = append(all, results...)
		case fatalReplay(ctx, err), first, !opts.SkipFailures:
			return all, fmt.Errorf("replay step %d: %w", i+1, err)
		default:
			all = append(all, actions.Failed(fmt.Sprintf("replay step %d: %v", i+1, err)))
		}
		first = false
	}
	return all, nil
}

func fatalReplay(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrBrowserUnavailable) || errors.Is(err, ErrInterrupted)
}

func (o *Orchestrator) replayEntry(ctx context.Context, e history.Entry) ([]actions.Result, error) {
	summary, err := o.fetchState(ctx, false)
	if err != nil {
		return nil, err
	}
	batch := make([]actions.Action, len(e.ModelOutput.Actions))
	for j, a := range e.ModelOutput.Actions {
		ix, ok := a.(actions.Indexed)
		if !ok {
			batch[j] = a
			continue
		}
		if j >= len(e.State.InteractedElements) || e.State.InteractedElements[j] == nil {
			return nil, fmt.Errorf("action %d (%s): %w: nothing recorded", j, a.Kind(), ErrElementNotFound)
		}
		node, found := summary.Elements.Find(e.State.InteractedElements[j])
		if !found || node.Index == nil {
			return nil, fmt.Errorf("action %d (%s): %w", j, a.Kind(), ErrElementNotFound)
		}
		if *node.Index != ix.ElementIndex() {
			o.logger.Debug().Int("old", ix.ElementIndex()).Int("new", *node.Index).Msg("replay: element re-indexed")
		}
		batch[j] = ix.WithElementIndex(*node.Index)
	}
	return o.executeBatch(ctx, batch, summary.Elements)
}
