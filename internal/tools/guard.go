package tools

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/net/idna"
)

type domainGuard struct {
	patterns []string
}

func newDomainGuard(patterns []string) (*domainGuard, error) {
	g := &domainGuard{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid allowed domain pattern %q", p)
		}
		g.patterns = append(g.patterns, p)
	}
	return g, nil
}

// allows reports whether navigating to raw is permitted. Browser-internal
// pages are always allowed.
func (g *domainGuard) allows(raw string) bool {
	if g == nil || len(g.patterns) == 0 {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "about", "chrome", "data":
		return true
	}
	host := CanonicalHost(u.Hostname())
	if host == "" {
		return false
	}
	for _, p := range g.patterns {
		if ok, _ := doublestar.Match(p, host); ok {
			return true
		}
		// "*.example.com" covers the apex domain too.
		if strings.HasPrefix(p, "*.") && host == p[2:] {
			return true
		}
	}
	return false
}

// CanonicalHost lowercases a host and converts it to its ASCII form.
func CanonicalHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

var secretTag = regexp.MustCompile(`<secret>([^<]+)</secret>`)

// revealSecrets substitutes configured values for <secret>name</secret>
// placeholders. Unknown names are left as typed.
func (e *Executor) revealSecrets(text string) string {
	if len(e.opts.Secrets) == 0 {
		return text
	}
	return secretTag.ReplaceAllStringFunc(text, func(tag string) string {
		name := secretTag.FindStringSubmatch(tag)[1]
		if v, ok := e.opts.Secrets[name]; ok {
			return v
		}
		e.log.Warn().Str("secret", name).Msg("no value configured for placeholder")
		return tag
	})
}
