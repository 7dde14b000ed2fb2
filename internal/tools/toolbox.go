package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/browser"
	"github.com/polzovatel/browser-agent/internal/dom"
)

const (
	defaultWait       = 3 * time.Second
	maxExtractedChars = 8000
)

// Extractor answers a goal from page text. Without one, extract_content
// returns the page text itself.
type Extractor interface {
	Extract(ctx context.Context, goal, page string) (string, error)
}

type Options struct {
	// AllowedDomains are glob patterns ("*.example.com"); empty allows all.
	AllowedDomains []string
	// Secrets maps placeholder names to the values typed by input_text.
	Secrets   map[string]string
	Extractor Extractor
	// Sleep waits for the wait action; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor performs actions against the live browser session. Action
// failures come back in Result.Error; a returned error means the session
// itself is unusable.
type Executor struct {
	ctrl    browser.Controller
	opts    Options
	domains *domainGuard
	log     zerolog.Logger
}

func New(ctrl browser.Controller, opts Options, log zerolog.Logger) (*Executor, error) {
	guard, err := newDomainGuard(opts.AllowedDomains)
	if err != nil {
		return nil, err
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Executor{ctrl: ctrl, opts: opts, domains: guard, log: log.With().Str("comp", "executor").Logger()}, nil
}

// Execute runs one action. elems is the element map the action's index
// refers to.
func (e *Executor) Execute(ctx context.Context, a actions.Action, elems *dom.ElementMap) (actions.Result, error) {
	res, err := e.execute(ctx, a, elems)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, browser.ErrUnavailable) {
		return actions.Result{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return actions.Result{}, ctxErr
	}
	e.log.Debug().Str("action", string(a.Kind())).Err(err).Msg("action failed")
	return actions.Failed(err.Error()), nil
}

func (e *Executor) execute(ctx context.Context, a actions.Action, elems *dom.ElementMap) (actions.Result, error) {
	switch act := a.(type) {
	case actions.Done:
		return actions.Result{
			IsDone:           true,
			Success:          actions.Bool(act.Success),
			ExtractedContent: act.Text,
			IncludeInMemory:  true,
		}, nil

	case actions.SearchGoogle:
		target := "https://www.google.com/search?q=" + url.QueryEscape(act.Query) + "&udm=14"
		if err := e.navigate(ctx, target); err != nil {
			return actions.Result{}, err
		}
		return actions.Note(fmt.Sprintf("Searched for %q in Google", act.Query)), nil

	case actions.GoToURL:
		if err := e.navigate(ctx, act.URL); err != nil {
			return actions.Result{}, err
		}
		return actions.Note(fmt.Sprintf("Navigated to %s", act.URL)), nil

	case actions.GoBack:
		if err := e.ctrl.GoBack(ctx); err != nil {
			return actions.Result{}, err
		}
		return actions.Note("Navigated back"), nil

	case actions.Wait:
		d := time.Duration(act.Seconds) * time.Second
		if d <= 0 {
			d = defaultWait
		}
		if err := e.opts.Sleep(ctx, d); err != nil {
			return actions.Result{}, err
		}
		return actions.Note(fmt.Sprintf("Waited for %s", d)), nil

	case actions.ClickElement:
		node, err := lookup(elems, act.Index)
		if err != nil {
			return actions.Result{}, err
		}
		newTab, err := e.ctrl.ClickXPath(ctx, node.XPath)
		if err != nil {
			return actions.Result{}, fmt.Errorf("click element %d: %w", act.Index, err)
		}
		msg := fmt.Sprintf("Clicked button with index %d: %s", act.Index, strings.TrimSpace(node.Text))
		if newTab {
			msg += " - new tab opened - switched to it"
		}
		return actions.Note(msg), nil

	case actions.InputText:
		node, err := lookup(elems, act.Index)
		if err != nil {
			return actions.Result{}, err
		}
		if err := e.ctrl.FillXPath(ctx, node.XPath, e.revealSecrets(act.Text)); err != nil {
			return actions.Result{}, fmt.Errorf("input text into %d: %w", act.Index, err)
		}
		// The placeholder form is reported so secrets never reach memory.
		return actions.Note(fmt.Sprintf("Input %s into index %d", act.Text, act.Index)), nil

	case actions.SwitchTab:
		if err := e.ctrl.SwitchTab(ctx, act.PageID); err != nil {
			return actions.Result{}, err
		}
		return actions.Note(fmt.Sprintf("Switched to tab %d", act.PageID)), nil

	case actions.OpenTab:
		if !e.domains.allows(act.URL) {
			return actions.Result{}, fmt.Errorf("navigation to %s is not allowed", act.URL)
		}
		if err := e.ctrl.OpenTab(ctx, act.URL); err != nil {
			return actions.Result{}, err
		}
		return actions.Note(fmt.Sprintf("Opened new tab with %s", act.URL)), nil

	case actions.CloseTab:
		if err := e.ctrl.CloseTab(ctx, act.PageID); err != nil {
			return actions.Result{}, err
		}
		return actions.Note(fmt.Sprintf("Closed tab %d", act.PageID)), nil

	case actions.ExtractContent:
		return e.extract(ctx, act.Goal)

	case actions.ScrollDown:
		return e.scroll(ctx, "down", act.Amount)

	case actions.ScrollUp:
		return e.scroll(ctx, "up", act.Amount)

	case actions.SendKeys:
		if err := e.ctrl.PressKeys(ctx, act.Keys); err != nil {
			return actions.Result{}, err
		}
		return actions.Note(fmt.Sprintf("Sent keys: %s", act.Keys)), nil

	case actions.ScrollToText:
		if err := e.ctrl.ScrollToText(ctx, act.Text); err != nil {
			if errors.Is(err, browser.ErrUnavailable) {
				return actions.Result{}, err
			}
			return actions.Note(fmt.Sprintf("Text %q not found or not visible on page", act.Text)), nil
		}
		return actions.Note(fmt.Sprintf("Scrolled to text: %s", act.Text)), nil

	case actions.SelectDropdownOption:
		node, err := lookup(elems, act.Index)
		if err != nil {
			return actions.Result{}, err
		}
		if node.Tag != "select" {
			return actions.Result{}, fmt.Errorf("element %d is a <%s>, not a <select>", act.Index, node.Tag)
		}
		values, err := e.ctrl.SelectOptionXPath(ctx, node.XPath, act.Text)
		if err != nil {
			return actions.Result{}, fmt.Errorf("select option %q: %w", act.Text, err)
		}
		return actions.Note(fmt.Sprintf("Selected option %s with value %v", act.Text, values)), nil
	}
	return actions.Result{}, fmt.Errorf("unsupported action %s", a.Kind())
}

func (e *Executor) navigate(ctx context.Context, target string) error {
	if !e.domains.allows(target) {
		return fmt.Errorf("navigation to %s is not allowed", target)
	}
	return e.ctrl.Navigate(ctx, target)
}

func (e *Executor) scroll(ctx context.Context, direction string, amount *int) (actions.Result, error) {
	dist := 0
	if amount != nil {
		dist = *amount
	}
	used, err := e.ctrl.Scroll(ctx, direction, dist)
	if err != nil {
		return actions.Result{}, err
	}
	return actions.Note(fmt.Sprintf("Scrolled %s the page by %d pixels", direction, used)), nil
}

func (e *Executor) extract(ctx context.Context, goal string) (actions.Result, error) {
	html, err := e.ctrl.HTML(ctx)
	if err != nil {
		return actions.Result{}, err
	}
	text, err := PageText(html)
	if err != nil {
		return actions.Result{}, err
	}
	content := text
	if e.opts.Extractor != nil {
		answer, err := e.opts.Extractor.Extract(ctx, goal, truncate(text, maxExtractedChars*4))
		if err != nil {
			e.log.Warn().Err(err).Msg("extractor failed, returning page text")
		} else {
			content = answer
		}
	}
	return actions.Note("Extracted from page\n: " + truncate(content, maxExtractedChars)), nil
}

func lookup(elems *dom.ElementMap, index int) (dom.Node, error) {
	node, ok := elems.Lookup(index)
	if !ok {
		return dom.Node{}, fmt.Errorf("element with index %d does not exist - retry or use alternative actions", index)
	}
	return node, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
