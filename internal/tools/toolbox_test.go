package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/browser"
	"github.com/polzovatel/browser-agent/internal/dom"
)

type fakeController struct {
	calls    []string
	clickErr error
	html     string
}

func (f *fakeController) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeController) Close(context.Context) error { return nil }
func (f *fakeController) Navigate(_ context.Context, url string) error {
	f.record("navigate %s", url)
	return nil
}
func (f *fakeController) GoBack(context.Context) error { f.record("back"); return nil }
func (f *fakeController) ClickXPath(_ context.Context, xpath string) (bool, error) {
	f.record("click %s", xpath)
	return false, f.clickErr
}
func (f *fakeController) FillXPath(_ context.Context, xpath, text string) error {
	f.record("fill %s %s", xpath, text)
	return nil
}
func (f *fakeController) SelectOptionXPath(_ context.Context, xpath, label string) ([]string, error) {
	f.record("select %s %s", xpath, label)
	return []string{label}, nil
}
func (f *fakeController) Scroll(_ context.Context, dir string, dist int) (int, error) {
	if dist == 0 {
		dist = 720
	}
	f.record("scroll %s %d", dir, dist)
	return dist, nil
}
func (f *fakeController) ScrollToText(context.Context, string) error { return errors.New("not found") }
func (f *fakeController) PressKeys(_ context.Context, keys string) error {
	f.record("keys %s", keys)
	return nil
}
func (f *fakeController) Tabs(context.Context) ([]browser.Tab, error)  { return nil, nil }
func (f *fakeController) SwitchTab(context.Context, int) error         { return nil }
func (f *fakeController) OpenTab(_ context.Context, url string) error  { f.record("open %s", url); return nil }
func (f *fakeController) CloseTab(context.Context, int) error          { return nil }
func (f *fakeController) Screenshot(context.Context) (string, error)   { return "", nil }
func (f *fakeController) HTML(context.Context) (string, error)         { return f.html, nil }
func (f *fakeController) SaveState(context.Context, string) error      { return nil }
func (f *fakeController) Page() playwright.Page                        { return nil }
func (f *fakeController) WaitForStableDOM(context.Context, time.Duration) error {
	return nil
}

func elements(t *testing.T) *dom.ElementMap {
	t.Helper()
	zero, one := 0, 1
	m, err := dom.NewElementMap([]dom.Node{
		{Parent: dom.NoParent, Tag: "body", XPath: "/body"},
		{Parent: 0, Tag: "input", XPath: "/body/input[1]", Index: &zero},
		{Parent: 0, Tag: "select", XPath: "/body/select[1]", Index: &one},
	})
	require.NoError(t, err)
	return m
}

func newExecutor(t *testing.T, ctrl browser.Controller, opts Options) *Executor {
	t.Helper()
	e, err := New(ctrl, opts, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestExecuteIndexedActions(t *testing.T) {
	ctrl := &fakeController{}
	e := newExecutor(t, ctrl, Options{Secrets: map[string]string{"password": "hunter2"}})
	elems := elements(t)

	res, err := e.Execute(context.Background(), actions.InputText{Index: 0, Text: "<secret>password</secret>"}, elems)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.NotContains(t, res.ExtractedContent, "hunter2")
	assert.Contains(t, ctrl.calls, "fill /body/input[1] hunter2")

	res, err = e.Execute(context.Background(), actions.ClickElement{Index: 9}, elems)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "index 9 does not exist")

	res, err = e.Execute(context.Background(), actions.SelectDropdownOption{Index: 0, Text: "Blue"}, elems)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "not a <select>")

	res, err = e.Execute(context.Background(), actions.SelectDropdownOption{Index: 1, Text: "Blue"}, elems)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
}

func TestExecuteUnavailableSessionIsAnError(t *testing.T) {
	ctrl := &fakeController{clickErr: fmt.Errorf("playwright: %w: target closed", browser.ErrUnavailable)}
	e := newExecutor(t, ctrl, Options{})

	_, err := e.Execute(context.Background(), actions.ClickElement{Index: 0}, elements(t))
	assert.ErrorIs(t, err, browser.ErrUnavailable)

	ctrl.clickErr = errors.New("element is not visible")
	res, err := e.Execute(context.Background(), actions.ClickElement{Index: 0}, elements(t))
	require.NoError(t, err)
	assert.Contains(t, res.Error, "not visible")
	assert.True(t, res.IncludeInMemory)
}

func TestExecuteDoneAndScroll(t *testing.T) {
	ctrl := &fakeController{}
	e := newExecutor(t, ctrl, Options{})

	res, err := e.Execute(context.Background(), actions.Done{Text: "found it", Success: true}, dom.Empty())
	require.NoError(t, err)
	assert.True(t, res.IsDone)
	require.NotNil(t, res.Success)
	assert.True(t, *res.Success)

	res, err = e.Execute(context.Background(), actions.ScrollDown{}, dom.Empty())
	require.NoError(t, err)
	assert.Equal(t, "Scrolled down the page by 720 pixels", res.ExtractedContent)

	res, err = e.Execute(context.Background(), actions.ScrollToText{Text: "Pricing"}, dom.Empty())
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Contains(t, res.ExtractedContent, "not found")
}

func TestExecuteWaitUsesSleep(t *testing.T) {
	var slept time.Duration
	e := newExecutor(t, &fakeController{}, Options{Sleep: func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}})
	_, err := e.Execute(context.Background(), actions.Wait{}, dom.Empty())
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, slept)
}

func TestAllowedDomains(t *testing.T) {
	ctrl := &fakeController{}
	e := newExecutor(t, ctrl, Options{AllowedDomains: []string{"*.example.com"}})

	res, err := e.Execute(context.Background(), actions.GoToURL{URL: "https://shop.example.com/cart"}, dom.Empty())
	require.NoError(t, err)
	assert.Empty(t, res.Error)

	res, err = e.Execute(context.Background(), actions.GoToURL{URL: "https://EXAMPLE.com"}, dom.Empty())
	require.NoError(t, err)
	assert.Empty(t, res.Error)

	res, err = e.Execute(context.Background(), actions.OpenTab{URL: "https://evil.test"}, dom.Empty())
	require.NoError(t, err)
	assert.Contains(t, res.Error, "not allowed")

	res, err = e.Execute(context.Background(), actions.SearchGoogle{Query: "x"}, dom.Empty())
	require.NoError(t, err)
	assert.Contains(t, res.Error, "not allowed")

	assert.Equal(t, []string{"navigate https://shop.example.com/cart", "navigate https://EXAMPLE.com"}, ctrl.calls)

	_, err = New(ctrl, Options{AllowedDomains: []string{"[bad"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCanonicalHost(t *testing.T) {
	assert.Equal(t, "xn--mnchen-3ya.de", CanonicalHost("MÜNCHEN.de"))
	assert.Equal(t, "example.com", CanonicalHost("Example.COM."))
}

func TestPageText(t *testing.T) {
	text, err := PageText(`<html><head><title>x</title><script>var a=1</script></head>
		<body><h1>Orders</h1><p>Total: <b>42</b></p><a href="/next">Next page</a></body></html>`)
	require.NoError(t, err)
	assert.Contains(t, text, "Orders")
	assert.Contains(t, text, "Total: 42")
	assert.Contains(t, text, "[Next page ](/next)")
	assert.NotContains(t, text, "var a")
}

type stubExtractor struct{ goal string }

func (s *stubExtractor) Extract(_ context.Context, goal, _ string) (string, error) {
	s.goal = goal
	return "the answer", nil
}

func TestExtractContent(t *testing.T) {
	ext := &stubExtractor{}
	e := newExecutor(t, &fakeController{html: "<p>hello</p>"}, Options{Extractor: ext})
	res, err := e.Execute(context.Background(), actions.ExtractContent{Goal: "greeting"}, dom.Empty())
	require.NoError(t, err)
	assert.Equal(t, "greeting", ext.goal)
	assert.Contains(t, res.ExtractedContent, "the answer")
	assert.True(t, res.IncludeInMemory)
}
