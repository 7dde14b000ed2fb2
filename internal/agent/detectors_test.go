package agent

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/history"
)

func entries(batches ...[]actions.Action) *history.List {
	l := &history.List{}
	for _, b := range batches {
		l.Append(history.Entry{ModelOutput: &actions.ModelOutput{Actions: b}})
	}
	return l
}

func TestLoopDetector(t *testing.T) {
	d := loopDetector{window: 5, threshold: 3, registry: actions.Default()}
	click := []actions.Action{actions.ClickElement{Index: 4}}

	assert.Empty(t, d.note(entries(click, click)))

	note := d.note(entries(click, click, click))
	assert.Contains(t, note, `click_element on "4" (3 times)`)

	// different targets do not add up
	assert.Empty(t, d.note(entries(click, click, []actions.Action{actions.ClickElement{Index: 5}})))

	// repeats older than the window are forgotten
	l := entries(click, click,
		[]actions.Action{actions.ScrollDown{}},
		[]actions.Action{actions.ScrollUp{}},
		[]actions.Action{actions.SearchGoogle{Query: "lamp"}},
		click,
	)
	assert.Empty(t, d.note(l))
}

func TestLoopDetectorToleratesWait(t *testing.T) {
	d := loopDetector{window: 5, threshold: 3, registry: actions.Default()}
	wait := []actions.Action{actions.Wait{Seconds: 3}}
	assert.Empty(t, d.note(entries(wait, wait, wait, wait)))
}

func TestLoopDetectorSingleNote(t *testing.T) {
	d := loopDetector{window: 5, threshold: 3, registry: actions.Default()}
	both := []actions.Action{actions.ClickElement{Index: 1}, actions.InputText{Index: 2, Text: "x"}}
	note := d.note(entries(both, both, both))
	assert.Equal(t, 1, strings.Count(note, "Note:"))
	assert.Contains(t, note, "click_element")
	assert.Contains(t, note, "input_text")
}

func TestLoopNoteReachesPlanner(t *testing.T) {
	h := newHarness(t, "buy a lamp", Config{MaxSteps: 4})
	h.planner.fallback = respond(actions.ClickElement{Index: 1})

	_, err := h.o.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxSteps)
	require.Equal(t, 4, h.planner.callCount())
	count := func(msgs []conversation.Message) int {
		n := 0
		for _, m := range msgs {
			n += strings.Count(m.Content, "repeating yourself")
		}
		return n
	}
	// two repeats stay below the threshold, the third triggers exactly one note
	assert.Equal(t, 0, count(h.planner.calls[2]))
	assert.Equal(t, 1, count(h.planner.calls[3]))
	// notes are never stored in the window
	assert.False(t, anyContains(h.o.Window().Messages(), "repeating yourself"))
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"WWW.Shop.Example.com:443": "shop.example.com",
		"shop.example.com.":        "shop.example.com",
		"bücher.example":           "xn--bcher-kva.example",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeDomain(in), in)
	}
}

func TestTargetDomain(t *testing.T) {
	assert.Equal(t, "shop.example.com", TargetDomain("Find the cheapest lamp on https://www.shop.example.com/lamps, then stop."))
	assert.Equal(t, "docs.example.org", TargetDomain("read (http://docs.example.org:8080/a)"))
	assert.Empty(t, TargetDomain("find a lamp somewhere"))
}

func TestIsSearchEngine(t *testing.T) {
	for _, d := range []string{"google.com", "google.co.uk", "news.google.de", "bing.com", "duckduckgo.com", "search.yahoo.com", "search.brave.com", "yandex.ru"} {
		assert.True(t, IsSearchEngine(d), d)
	}
	for _, d := range []string{"shop.example.com", "notgoogle.com", "brave.com", "googleusercontent.example"} {
		assert.False(t, IsSearchEngine(d), d)
	}
}

func TestDomainTrackerNotes(t *testing.T) {
	tr := domainTracker{target: "shop.example.com"}

	d, note := tr.observe("https://www.shop.example.com/cart")
	assert.Equal(t, "shop.example.com", d)
	assert.Empty(t, note)

	d, note = tr.observe("https://www.google.com/search?q=lamp")
	assert.Equal(t, "google.com", d)
	assert.Contains(t, note, "(search engine)")

	_, note = tr.observe("https://checkout.partner.com/pay")
	assert.Contains(t, note, "(other domain)")

	d, note = tr.observe("about:blank")
	assert.Empty(t, d)
	assert.Empty(t, note)

	_, note = domainTracker{}.observe("https://anything.example")
	assert.Empty(t, note)
}

func TestProvenanceAttachedToFinalResult(t *testing.T) {
	task := "Find the price of the blue lamp on https://shop.example.com"
	h := newHarness(t, task, Config{},
		page(t, "https://www.google.com/search?q=blue+lamp", button(1)),
		page(t, "https://shop.example.com/lamps/blue", button(1)),
	)
	h.planner.replies = []reply{
		respond(actions.ClickElement{Index: 1}),
		respond(actions.Done{Text: "The blue lamp costs $40", Success: true}),
	}

	hist, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, anyContains(h.planner.calls[0], "(search engine)"))
	assert.False(t, anyContains(h.planner.calls[1], "(search engine)"))
	assert.Equal(t, "The blue lamp costs $40\n\nSources outside shop.example.com: search engine: google.com", hist.FinalResult())
	assert.Equal(t, []string{"google.com", "shop.example.com"}, h.o.Snapshot().VisitedDomains)
}

func TestProvenanceInMetadataForStructuredOutput(t *testing.T) {
	task := "Find the price on https://shop.example.com"
	h := newHarness(t, task, Config{StructuredOutput: true},
		page(t, "https://checkout.partner.com/", button(1)),
	)
	h.planner.replies = []reply{respond(actions.Done{Text: `{"price": 40}`, Success: true})}

	hist, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"price": 40}`, hist.FinalResult())
	last := hist.Last().Results[0]
	assert.Equal(t, "Sources outside shop.example.com: other domain: checkout.partner.com", last.Metadata[provenanceKey])
}

func TestAddVisitedKeepsSortedSet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("visited domains stay sorted and unique", prop.ForAll(
		func(domains []string) bool {
			var set []string
			for _, d := range domains {
				set = addVisited(set, d)
			}
			if !slices.IsSorted(set) {
				return false
			}
			for i := 1; i < len(set); i++ {
				if set[i] == set[i-1] {
					return false
				}
			}
			for _, d := range domains {
				if _, found := slices.BinarySearch(set, d); d != "" && !found {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("", "a.com", "b.org", "google.com", "shop.example.com", "z.net"), reflect.TypeOf("")),
	))

	properties.TestingRun(t)
}
