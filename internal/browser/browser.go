package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultActionTime = 10 * time.Second
)

// ErrUnavailable marks failures after which the browser session cannot be
// used any more (closed target, crashed browser, disconnected context).
var ErrUnavailable = errors.New("browser unavailable")

// Tab is one open page of the session. PageID is its position in the
// context's page list.
type Tab struct {
	PageID int    `json:"page_id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Controller exposes the browser operations the executor and the snapshot
// collector need.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	GoBack(ctx context.Context) error
	ClickXPath(ctx context.Context, xpath string) (newTab bool, err error)
	FillXPath(ctx context.Context, xpath, text string) error
	SelectOptionXPath(ctx context.Context, xpath, label string) ([]string, error)
	Scroll(ctx context.Context, direction string, distance int) (int, error)
	ScrollToText(ctx context.Context, text string) error
	PressKeys(ctx context.Context, keys string) error
	Tabs(ctx context.Context) ([]Tab, error)
	SwitchTab(ctx context.Context, pageID int) error
	OpenTab(ctx context.Context, url string) error
	CloseTab(ctx context.Context, pageID int) error
	Screenshot(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	WaitForStableDOM(ctx context.Context, timeout time.Duration) error
	SaveState(ctx context.Context, path string) error
	Page() playwright.Page
}

// Options configure the launched browser.
type Options struct {
	Headless bool
	// DisableSecurity turns off same-origin checks and accepts bad
	// certificates.
	DisableSecurity bool
	ViewportWidth   int
	ViewportHeight  int
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewLauncher(ctx context.Context, opts Options) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	args := []string{"--disable-dev-shm-usage", "--no-sandbox"}
	if opts.DisableSecurity {
		args = append(args, "--disable-web-security", "--disable-site-isolation-trials")
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser}, nil
}

// NewController opens a browser context, restoring cookies and local storage
// from storagePath when the file exists.
func (l *Launcher) NewController(ctx context.Context, storagePath string, opts Options) (Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctxOpts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(opts.DisableSecurity),
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		ctxOpts.Viewport = &playwright.Size{Width: opts.ViewportWidth, Height: opts.ViewportHeight}
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			ctxOpts.StorageStatePath = playwright.String(storagePath)
		}
	}
	bctx, err := l.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &controller{context: bctx, page: page}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	mu      sync.Mutex
	context playwright.BrowserContext
	page    playwright.Page
}

func (c *controller) Page() playwright.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

func (c *controller) setPage(p playwright.Page) {
	c.mu.Lock()
	c.page = p
	c.mu.Unlock()
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.Page().Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) GoBack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.Page().GoBack()
	return wrap(err)
}

func (c *controller) locate(xpath string) (playwright.Locator, error) {
	loc := c.Page().Locator("xpath=" + xpath).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(defaultActionTime.Milliseconds())),
	}); err != nil {
		return nil, wrap(err)
	}
	// Off-screen elements still click after this; ignore failures.
	_ = loc.ScrollIntoViewIfNeeded()
	return loc, nil
}

// ClickXPath clicks the element and follows a tab it opened.
func (c *controller) ClickXPath(ctx context.Context, xpath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	before := len(c.context.Pages())
	loc, err := c.locate(xpath)
	if err != nil {
		return false, err
	}
	if err := loc.Click(); err != nil {
		return false, wrap(err)
	}
	pages := c.context.Pages()
	if len(pages) > before {
		newest := pages[len(pages)-1]
		_ = newest.WaitForLoadState()
		c.setPage(newest)
		return true, nil
	}
	return false, nil
}

func (c *controller) FillXPath(ctx context.Context, xpath, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := c.locate(xpath)
	if err != nil {
		return err
	}
	return wrap(loc.Fill(text))
}

func (c *controller) SelectOptionXPath(ctx context.Context, xpath, label string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, err := c.locate(xpath)
	if err != nil {
		return nil, err
	}
	selected, err := loc.SelectOption(playwright.SelectOptionValues{Labels: &[]string{label}})
	return selected, wrap(err)
}

// Scroll moves the nearest scroll container. A zero distance scrolls one
// viewport height. It returns the distance used.
func (c *controller) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	page := c.Page()
	if distance == 0 {
		distance = 600
		if vh, err := page.Evaluate(`() => Math.max(window.innerHeight || 0, document.documentElement.clientHeight || 0)`); err == nil {
			if v, ok := vh.(float64); ok && v > 0 {
				distance = int(v)
			} else if v, ok := vh.(int); ok && v > 0 {
				distance = v
			}
		}
	}
	if _, err := page.Evaluate(scrollScript, []any{direction, distance}); err != nil {
		return 0, wrap(err)
	}
	return distance, nil
}

const scrollScript = `([dir, dist]) => {
	function isScrollable(el) {
		if (!el) return false;
		const s = window.getComputedStyle(el);
		return (s.overflowY === 'auto' || s.overflowY === 'scroll') && el.scrollHeight > el.clientHeight;
	}
	const move = dir === 'up' ? -dist : dist;
	let target = null;
	for (let p = document.activeElement; p; p = p.parentElement) {
		if (isScrollable(p)) { target = p; break; }
	}
	if (!target) {
		const root = document.scrollingElement;
		if (root && root.scrollHeight > root.clientHeight) target = root;
	}
	if (!target) {
		for (const n of document.querySelectorAll('main,[role="main"],section,div')) {
			if (isScrollable(n)) { target = n; break; }
		}
	}
	if (target) {
		target.scrollBy({top: move, left: 0, behavior: 'auto'});
		return true;
	}
	window.scrollBy(0, move);
	return false;
}`

func (c *controller) ScrollToText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.Page().GetByText(text, playwright.PageGetByTextOptions{Exact: playwright.Bool(false)}).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(defaultActionTime.Milliseconds())),
	}); err != nil {
		return wrap(err)
	}
	return wrap(loc.ScrollIntoViewIfNeeded())
}

func (c *controller) PressKeys(ctx context.Context, keys string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.Page().Keyboard().Press(keys))
}

func (c *controller) Tabs(ctx context.Context) ([]Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages := c.context.Pages()
	tabs := make([]Tab, 0, len(pages))
	for i, p := range pages {
		title, _ := p.Title()
		tabs = append(tabs, Tab{PageID: i, URL: p.URL(), Title: title})
	}
	return tabs, nil
}

func (c *controller) pageByID(pageID int) (playwright.Page, error) {
	pages := c.context.Pages()
	if pageID < 0 || pageID >= len(pages) {
		return nil, fmt.Errorf("no tab with page_id %d (%d open)", pageID, len(pages))
	}
	return pages[pageID], nil
}

func (c *controller) SwitchTab(ctx context.Context, pageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := c.pageByID(pageID)
	if err != nil {
		return err
	}
	if err := page.BringToFront(); err != nil {
		return wrap(err)
	}
	_ = page.WaitForLoadState()
	c.setPage(page)
	return nil
}

func (c *controller) OpenTab(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := c.context.NewPage()
	if err != nil {
		return wrap(err)
	}
	c.setPage(page)
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	}); err != nil {
		return wrap(err)
	}
	return nil
}

// CloseTab closes a tab. If it was the current one, the last remaining tab
// becomes current, or a blank tab is opened when none remain.
func (c *controller) CloseTab(ctx context.Context, pageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := c.pageByID(pageID)
	if err != nil {
		return err
	}
	wasCurrent := page == c.Page()
	if err := page.Close(); err != nil {
		return wrap(err)
	}
	if !wasCurrent {
		return nil
	}
	pages := c.context.Pages()
	if len(pages) == 0 {
		fresh, err := c.context.NewPage()
		if err != nil {
			return wrap(err)
		}
		c.setPage(fresh)
		return nil
	}
	c.setPage(pages[len(pages)-1])
	return nil
}

// Screenshot returns a base64 PNG of the viewport.
func (c *controller) Screenshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := c.Page().Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(false)})
	if err != nil {
		return "", wrap(err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *controller) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := c.Page().Content()
	return html, wrap(err)
}

// WaitForStableDOM waits for network idle and then for 300ms without DOM
// mutations.
func (c *controller) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	page := c.Page()
	if err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
	}
	_, err := page.Evaluate(`() => new Promise((resolve) => {
		if (!document.body) { resolve(); return; }
		let t;
		const obs = new MutationObserver(() => {
			clearTimeout(t);
			t = setTimeout(() => { obs.disconnect(); resolve(); }, 300);
		});
		obs.observe(document.body, {childList: true, subtree: true, attributes: true});
		t = setTimeout(() => { obs.disconnect(); resolve(); }, 300);
	})`)
	return wrap(err)
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

var closedMarkers = []string{
	"target closed",
	"target page, context or browser has been closed",
	"browser has been closed",
	"browser has disconnected",
	"connection closed",
}

// wrap tags playwright errors; the ones that mean the session is gone also
// match ErrUnavailable.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range closedMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("playwright: %w: %w", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("playwright: %w", err)
}
