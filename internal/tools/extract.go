package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/polzovatel/browser-agent/internal/llm"
)

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "svg": true, "head": true, "template": true, "iframe": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true, "header": true, "footer": true,
	"li": true, "ul": true, "ol": true, "tr": true, "table": true, "br": true, "nav": true, "aside": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "form": true, "pre": true,
}

// PageText renders an HTML document as readable text. Links keep their
// target in markdown form.
func PageText(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				b.WriteString(t)
				b.WriteByte(' ')
			}
			return
		case html.ElementNode:
			if skippedTags[n.Data] {
				return
			}
			if n.Data == "a" {
				if href := attr(n, "href"); href != "" && !strings.HasPrefix(href, "javascript:") {
					b.WriteByte('[')
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						walk(c)
					}
					fmt.Fprintf(&b, "](%s) ", href)
					return
				}
			}
			if blockTags[n.Data] {
				b.WriteByte('\n')
				defer b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// ModelExtractor answers extraction goals with a model call.
type ModelExtractor struct {
	Client llm.Client
}

func (m ModelExtractor) Extract(ctx context.Context, goal, page string) (string, error) {
	resp, err := m.Client.Generate(ctx, llm.Request{
		System: "You extract information from web pages. Answer only from the page content. " +
			"If the information is not present, say so.",
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Extraction goal: %s\n\nPage:\n%s", goal, page),
		}},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", llm.ErrEmptyResponse
	}
	return resp.Text, nil
}
