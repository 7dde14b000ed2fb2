package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/polzovatel/browser-agent/internal/browser"
	"github.com/polzovatel/browser-agent/internal/dom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Summary is the observable state of the browser at one instant.
type Summary struct {
	URL         string
	Title       string
	Tabs        []browser.Tab
	Elements    *dom.ElementMap
	Screenshot  string
	PixelsAbove int
	PixelsBelow int
}

// String renders the summary for the model.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current url: %s\nTitle: %s\nAvailable tabs:\n", s.URL, s.Title)
	for _, t := range s.Tabs {
		fmt.Fprintf(&b, "  page_id=%d url=%s title=%s\n", t.PageID, t.URL, t.Title)
	}
	elems := s.Elements.String()
	if elems == "" {
		b.WriteString("Interactive elements: empty page\n")
		return b.String()
	}
	b.WriteString("Interactive elements from current page view:\n")
	if s.PixelsAbove > 0 {
		fmt.Fprintf(&b, "... %d pixels above - scroll up to see more ...\n", s.PixelsAbove)
	} else {
		b.WriteString("[Start of page]\n")
	}
	b.WriteString(elems)
	if s.PixelsBelow > 0 {
		fmt.Fprintf(&b, "... %d pixels below - scroll down to see more ...\n", s.PixelsBelow)
	} else {
		b.WriteString("[End of page]\n")
	}
	return b.String()
}

// Options tune element collection.
type Options struct {
	// Highlight draws index labels over collected elements.
	Highlight bool
	// Limit caps the number of indexed elements.
	Limit int
	// ViewportMargin is how far beyond the viewport elements are still
	// collected, in pixels. Negative collects the whole page.
	ViewportMargin int
	StableTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = 300
	}
	if o.StableTimeout <= 0 {
		o.StableTimeout = 2 * time.Second
	}
	return o
}

// Collector builds Summaries from a live browser session.
type Collector struct {
	ctrl browser.Controller
	opts Options
}

func NewCollector(ctrl browser.Controller, opts Options) *Collector {
	return &Collector{ctrl: ctrl, opts: opts.withDefaults()}
}

type pageScan struct {
	Nodes        []dom.Node `json:"nodes"`
	ScrollY      int        `json:"scrollY"`
	ScrollHeight int        `json:"scrollHeight"`
	InnerHeight  int        `json:"innerHeight"`
}

// State collects the current page. A screenshot is taken only when asked
// for.
func (c *Collector) State(ctx context.Context, withScreenshot bool) (Summary, error) {
	if err := c.ctrl.WaitForStableDOM(ctx, c.opts.StableTimeout); err != nil && errors.Is(err, browser.ErrUnavailable) {
		return Summary{}, err
	}
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	page := c.ctrl.Page()
	title, _ := page.Title()
	sum := Summary{URL: page.URL(), Title: title}

	tabs, err := c.ctrl.Tabs(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum.Tabs = tabs

	val, err := page.Evaluate(collectScript, map[string]any{
		"highlight": c.opts.Highlight,
		"limit":     c.opts.Limit,
		"margin":    c.opts.ViewportMargin,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("collect elements: %w", wrapEval(err))
	}
	scan, err := decodeScan(val)
	if err != nil {
		return Summary{}, err
	}
	sum.Elements, err = dom.NewElementMap(scan.Nodes)
	if err != nil {
		return Summary{}, fmt.Errorf("element arena: %w", err)
	}
	sum.PixelsAbove = scan.ScrollY
	sum.PixelsBelow = max(0, scan.ScrollHeight-scan.ScrollY-scan.InnerHeight)

	if withScreenshot {
		shot, err := c.ctrl.Screenshot(ctx)
		if err != nil {
			return Summary{}, err
		}
		sum.Screenshot = shot
	}
	return sum, nil
}

// RemoveHighlights clears the index overlay drawn by State.
func (c *Collector) RemoveHighlights(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.ctrl.Page().Evaluate(`() => {
		const c = document.getElementById('agent-highlight-container');
		if (c) c.remove();
	}`)
	return wrapEval(err)
}

func decodeScan(val any) (pageScan, error) {
	var scan pageScan
	data, err := json.Marshal(val)
	if err != nil {
		return scan, fmt.Errorf("encode scan: %w", err)
	}
	if err := json.Unmarshal(data, &scan); err != nil {
		return scan, fmt.Errorf("decode scan: %w", err)
	}
	return scan, nil
}

var closedMarkers = []string{"target closed", "has been closed", "has disconnected"}

func wrapEval(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range closedMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", browser.ErrUnavailable, err)
		}
	}
	return err
}

// collectScript returns the interactive elements plus their ancestors as a
// parent-linked arena, indices assigned in document order.
const collectScript = `(opts) => {
	const INTERACTIVE = "a,button,input,select,textarea,summary,[role=button],[role=link],[role=checkbox],[role=radio],[role=tab],[role=menuitem],[role=option],[role=combobox],[role=textbox],[role=switch],[contenteditable=true],[onclick],[tabindex]:not([tabindex='-1'])";
	const KEEP = ["id","name","type","role","aria-label","placeholder","title","value","href","alt"];
	const slots = new Map();
	const nodes = [];

	function xpathOf(el) {
		const parts = [];
		for (let n = el; n && n.nodeType === 1; n = n.parentNode) {
			let i = 1;
			for (let s = n.previousElementSibling; s; s = s.previousElementSibling) {
				if (s.tagName === n.tagName) i++;
			}
			parts.unshift(n.tagName.toLowerCase() + "[" + i + "]");
		}
		return "/" + parts.join("/");
	}

	function slotOf(el) {
		if (slots.has(el)) return slots.get(el);
		const parent = el.parentElement ? slotOf(el.parentElement) : -1;
		const attributes = {};
		for (const k of KEEP) {
			const v = el.getAttribute(k);
			if (v) attributes[k] = v.slice(0, 200);
		}
		const slot = nodes.length;
		nodes.push({slot, parent, tag: el.tagName.toLowerCase(), xpath: xpathOf(el), attributes});
		slots.set(el, slot);
		return slot;
	}

	const old = document.getElementById("agent-highlight-container");
	if (old) old.remove();
	let container = null;
	if (opts.highlight && document.body) {
		container = document.createElement("div");
		container.id = "agent-highlight-container";
		container.style.cssText = "position:fixed;pointer-events:none;top:0;left:0;width:100%;height:100%;z-index:2147483647";
	}

	const vh = window.innerHeight;
	const vw = window.innerWidth;
	let index = 0;
	for (const el of document.querySelectorAll(INTERACTIVE)) {
		if (index >= opts.limit) break;
		if (container && container.contains(el)) continue;
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) continue;
		const style = window.getComputedStyle(el);
		if (style.visibility === "hidden" || style.display === "none") continue;
		const inViewport = r.bottom >= 0 && r.top <= vh && r.right >= 0 && r.left <= vw;
		if (opts.margin >= 0 && (r.bottom < -opts.margin || r.top > vh + opts.margin)) continue;

		const n = nodes[slotOf(el)];
		n.index = index;
		n.in_viewport = inViewport;
		n.text = (el.innerText || el.value || el.textContent || "").trim().slice(0, 200);

		if (container) {
			const box = document.createElement("div");
			box.style.cssText = "position:fixed;border:2px solid #ff7f0e;box-sizing:border-box;" +
				"top:" + r.top + "px;left:" + r.left + "px;width:" + r.width + "px;height:" + r.height + "px";
			const label = document.createElement("div");
			label.textContent = String(index);
			label.style.cssText = "position:absolute;top:-2px;right:-2px;background:#ff7f0e;color:#fff;font:11px sans-serif;padding:1px 3px";
			box.appendChild(label);
			container.appendChild(box);
		}
		index++;
	}
	if (container) document.body.appendChild(container);

	const root = document.scrollingElement || document.documentElement;
	return {
		nodes,
		scrollY: Math.round(window.scrollY || 0),
		scrollHeight: Math.round(root ? root.scrollHeight : 0),
		innerHeight: Math.round(vh),
	};
}`
