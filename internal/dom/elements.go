// Package dom holds the indexed-element map of a page snapshot as an arena of
// nodes linked by parent slot, and the structural hashes computed over it.
package dom

import (
	"fmt"
	"sort"
	"strings"
)

// NoParent marks the root of the arena.
const NoParent = -1

// Node is one slot of the element arena. Only interactive nodes carry an
// Index; the others are kept as ancestors so paths can be hashed.
type Node struct {
	Slot       int               `json:"slot"`
	Parent     int               `json:"parent"`
	Tag        string            `json:"tag"`
	XPath      string            `json:"xpath"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Index      *int              `json:"index,omitempty"`
	InViewport bool              `json:"in_viewport,omitempty"`
}

// ElementMap maps highlight indices to nodes of one snapshot. Indices are only
// meaningful for the snapshot they were computed from.
type ElementMap struct {
	nodes   []Node
	byIndex map[int]int
}

// NewElementMap validates parent links and index uniqueness. Node.Slot is
// rewritten to the node's position in nodes.
func NewElementMap(nodes []Node) (*ElementMap, error) {
	m := &ElementMap{
		nodes:   make([]Node, len(nodes)),
		byIndex: make(map[int]int),
	}
	copy(m.nodes, nodes)
	for slot := range m.nodes {
		n := &m.nodes[slot]
		n.Slot = slot
		if n.Parent != NoParent && (n.Parent < 0 || n.Parent >= len(m.nodes)) {
			return nil, fmt.Errorf("node %d: parent %d out of range", slot, n.Parent)
		}
		if n.Index != nil {
			if prev, dup := m.byIndex[*n.Index]; dup {
				return nil, fmt.Errorf("index %d used by slots %d and %d", *n.Index, prev, slot)
			}
			m.byIndex[*n.Index] = slot
		}
	}
	for slot := range m.nodes {
		steps := 0
		for p := m.nodes[slot].Parent; p != NoParent; p = m.nodes[p].Parent {
			steps++
			if steps > len(m.nodes) {
				return nil, fmt.Errorf("node %d: parent cycle", slot)
			}
		}
	}
	return m, nil
}

// Empty returns a map without elements.
func Empty() *ElementMap {
	return &ElementMap{byIndex: map[int]int{}}
}

// Nodes returns a copy of the arena.
func (m *ElementMap) Nodes() []Node {
	if m == nil {
		return nil
	}
	return append([]Node(nil), m.nodes...)
}

// Len is the number of indexed elements.
func (m *ElementMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byIndex)
}

// Lookup returns the node holding index.
func (m *ElementMap) Lookup(index int) (Node, bool) {
	if m == nil {
		return Node{}, false
	}
	slot, ok := m.byIndex[index]
	if !ok {
		return Node{}, false
	}
	return m.nodes[slot], true
}

// Indices lists indexed elements in ascending order.
func (m *ElementMap) Indices() []int {
	if m == nil {
		return nil
	}
	out := make([]int, 0, len(m.byIndex))
	for idx := range m.byIndex {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// BranchPath returns the tag names from the root down to slot, inclusive.
func (m *ElementMap) BranchPath(slot int) []string {
	var tags []string
	for p := slot; p != NoParent; p = m.nodes[p].Parent {
		tags = append(tags, m.nodes[p].Tag)
	}
	for i, j := 0, len(tags)-1; i < j; i, j = i+1, j-1 {
		tags[i], tags[j] = tags[j], tags[i]
	}
	return tags
}

// String renders the interactive elements for the model, one per line.
func (m *ElementMap) String() string {
	if m.Len() == 0 {
		return ""
	}
	var b strings.Builder
	for _, idx := range m.Indices() {
		n, _ := m.Lookup(idx)
		fmt.Fprintf(&b, "[%d]<%s", idx, n.Tag)
		for _, key := range renderedAttributes {
			if v := strings.TrimSpace(n.Attributes[key]); v != "" {
				fmt.Fprintf(&b, " %s=%q", key, truncate(v, 60))
			}
		}
		text := strings.Join(strings.Fields(n.Text), " ")
		fmt.Fprintf(&b, ">%s</%s>\n", truncate(text, 120), n.Tag)
	}
	return b.String()
}

var renderedAttributes = []string{"id", "name", "type", "role", "aria-label", "placeholder", "title", "value", "href"}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
