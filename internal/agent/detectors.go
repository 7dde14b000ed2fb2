package agent

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/net/idna"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/history"
)

type loopDetector struct {
	window    int
	threshold int
	registry  *actions.Registry
}

type actionKey struct {
	kind   actions.Kind
	target string
}

// note inspects the trailing window of entries and returns one warning when
// any (kind, target) pair repeats threshold times or more.
func (d loopDetector) note(h *history.List) string {
	if h == nil || h.Len() == 0 || d.threshold <= 0 {
		return ""
	}
	entries := h.Entries
	if len(entries) > d.window {
		entries = entries[len(entries)-d.window:]
	}
	counts := map[actionKey]int{}
	var order []actionKey
	for _, e := range entries {
		if e.ModelOutput == nil {
			continue
		}
		for _, a := range e.ModelOutput.Actions {
			if d.registry != nil && d.registry.RepeatTolerant(a.Kind()) {
				continue
			}
			k := actionKey{kind: a.Kind(), target: actions.Target(a)}
			if counts[k] == 0 {
				order = append(order, k)
			}
			counts[k]++
		}
	}
	var repeated []string
	for _, k := range order {
		if counts[k] < d.threshold {
			continue
		}
		if k.target == "" {
			repeated = append(repeated, fmt.Sprintf("%s (%d times)", k.kind, counts[k]))
		} else {
			repeated = append(repeated, fmt.Sprintf("%s on %q (%d times)", k.kind, k.target, counts[k]))
		}
	}
	if len(repeated) == 0 {
		return ""
	}
	return fmt.Sprintf("Note: you seem to be repeating yourself in the last %d steps: %s. "+
		"The repeated action is not making progress. Try a different approach: another element, "+
		"navigating elsewhere, or finishing with done if the task cannot be completed.",
		len(entries), strings.Join(repeated, ", "))
}

// DomainCategory classifies a domain that is not the task's target.
type DomainCategory string

const (
	DomainSearchEngine DomainCategory = "search engine"
	DomainOther        DomainCategory = "other domain"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>()\[\]]+`)

// searchEngines are matched by exact host or as a parent domain.
var searchEngines = []string{
	"google.com",
	"bing.com",
	"duckduckgo.com",
	"yahoo.com",
	"baidu.com",
	"yandex.com",
	"yandex.ru",
	"ecosia.org",
	"ask.com",
	"search.brave.com",
}

var googleCountryHost = regexp.MustCompile(`(^|\.)google\.[a-z]{2,3}(\.[a-z]{2})?$`)

// TargetDomain returns the normalized domain of the first URL in task, or
// "" when the task names none.
func TargetDomain(task string) string {
	m := urlPattern.FindString(task)
	if m == "" {
		return ""
	}
	u, err := url.Parse(strings.TrimRight(m, ".,;:!?"))
	if err != nil {
		return ""
	}
	return NormalizeDomain(u.Host)
}

// NormalizeDomain lowercases host, converts it to its ASCII form and strips
// the port and a leading "www.".
func NormalizeDomain(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return strings.TrimPrefix(host, "www.")
}

func IsSearchEngine(domain string) bool {
	if googleCountryHost.MatchString(domain) {
		return true
	}
	for _, e := range searchEngines {
		if domain == e || strings.HasSuffix(domain, "."+e) {
			return true
		}
	}
	return false
}

func categorize(domain string) DomainCategory {
	if IsSearchEngine(domain) {
		return DomainSearchEngine
	}
	return DomainOther
}

type domainTracker struct {
	target string
}

// observe returns the domain of pageURL, or "" for pages without a host, and
// a departure note when it differs from the target.
func (t domainTracker) observe(pageURL string) (domain, note string) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return "", ""
	}
	domain = NormalizeDomain(u.Host)
	if t.target == "" || domain == t.target {
		return domain, ""
	}
	switch categorize(domain) {
	case DomainSearchEngine:
		note = fmt.Sprintf("Note: you are on %s (%s), not on the task's site %s. "+
			"Use the search results to get to %s or to find what the task asks for.",
			domain, DomainSearchEngine, t.target, t.target)
	default:
		note = fmt.Sprintf("Note: you left the task's site %s and are now on %s (%s). "+
			"Go back to %s unless the task requires this site.",
			t.target, domain, DomainOther, t.target)
	}
	return domain, note
}

// provenance summarizes the visited domains that are not the target, or ""
// when there are none.
func (t domainTracker) provenance(visited []string) string {
	if t.target == "" {
		return ""
	}
	var search, other []string
	for _, d := range visited {
		if d == t.target {
			continue
		}
		if categorize(d) == DomainSearchEngine {
			search = append(search, d)
		} else {
			other = append(other, d)
		}
	}
	if len(search) == 0 && len(other) == 0 {
		return ""
	}
	parts := make([]string, 0, 2)
	if len(search) > 0 {
		parts = append(parts, fmt.Sprintf("%s: %s", DomainSearchEngine, strings.Join(search, ", ")))
	}
	if len(other) > 0 {
		parts = append(parts, fmt.Sprintf("%s: %s", DomainOther, strings.Join(other, ", ")))
	}
	return fmt.Sprintf("Sources outside %s: %s", t.target, strings.Join(parts, "; "))
}

// addVisited inserts domain into the sorted set.
func addVisited(set []string, domain string) []string {
	if domain == "" {
		return set
	}
	i, found := slices.BinarySearch(set, domain)
	if found {
		return set
	}
	return slices.Insert(set, i, domain)
}
