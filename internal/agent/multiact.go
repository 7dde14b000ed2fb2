package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/dom"
)

// executeBatch runs actions in order against elems. Before every indexed
// action after the first, the target's fingerprint is compared with the one
// seen at batch start; a mismatch ends the batch with a page-changed result.
// The batch also ends on done, on the first error and, in strict mode, when
// new elements appear.
func (o *Orchestrator) executeBatch(ctx context.Context, batch []actions.Action, elems *dom.ElementMap) ([]actions.Result, error) {
	results := make([]actions.Result, 0, len(batch))
	initial := elems.Fingerprints()
	var seen map[string]struct{}
	if o.cfg.StrictNewElements {
		seen = elems.FingerprintSet()
	}

	if err := o.provider.RemoveHighlights(ctx); err != nil {
		if Classify(err) == CategoryBrowserUnavailable {
			return results, browserUnavailable(err)
		}
		o.logger.Debug().Err(err).Msg("remove highlights")
	}

	current := elems
	for i, a := range batch {
		if err := o.controls.check(); err != nil {
			return cancelled(results), err
		}

		if ix, ok := a.(actions.Indexed); ok && i > 0 {
			fresh, err := o.fetchState(ctx, false)
			if err != nil {
				return results, err
			}
			current = fresh.Elements
			idx := ix.ElementIndex()
			if fp, ok := current.Fingerprint(idx); !ok || fp != initial[idx] {
				msg := fmt.Sprintf("Element index changed after action %d / %d, because page changed.", i, len(batch))
				o.logger.Info().Int("action", i).Int("index", idx).Msg(msg)
				results = append(results, actions.Note(msg))
				return results, nil
			}
		}

		res, err := o.executor.Execute(ctx, a, current)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrInterrupted) {
				return cancelled(results), err
			}
			return results, browserUnavailable(err)
		}
		results = append(results, res)
		o.logger.Debug().
			Str("action", string(a.Kind())).
			Str("error", res.Error).
			Bool("done", res.IsDone).
			Msg("action executed")

		if res.IsDone || res.Error != "" || i == len(batch)-1 {
			break
		}

		if o.cfg.StrictNewElements {
			fresh, err := o.fetchState(ctx, false)
			if err != nil {
				return results, err
			}
			if appeared(fresh.Elements, seen) {
				results = append(results, actions.Note(fmt.Sprintf("Something new appeared after action %d / %d", i+1, len(batch))))
				break
			}
			current = fresh.Elements
		}

		if err := o.cfg.Sleep(ctx, o.cfg.WaitBetweenActions); err != nil {
			return results, err
		}
	}
	return results, nil
}

// appeared reports whether elems holds a fingerprint outside seen.
func appeared(elems *dom.ElementMap, seen map[string]struct{}) bool {
	for fp := range elems.FingerprintSet() {
		if _, ok := seen[fp]; !ok {
			return true
		}
	}
	return false
}

func cancelled(results []actions.Result) []actions.Result {
	if len(results) > 0 {
		return results
	}
	return []actions.Result{{ExtractedContent: "action sequence cancelled"}}
}
