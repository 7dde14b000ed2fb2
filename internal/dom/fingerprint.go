package dom

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes the ancestor chain of the element at index. Two
// snapshots give the same fingerprint for an index only if the element sits
// at the same structural position.
func (m *ElementMap) Fingerprint(index int) (string, bool) {
	if m == nil {
		return "", false
	}
	slot, ok := m.byIndex[index]
	if !ok {
		return "", false
	}
	return structuralHash(m.BranchPath(slot), m.nodes[slot].XPath), true
}

// Fingerprints returns index → fingerprint for every indexed element.
func (m *ElementMap) Fingerprints() map[int]string {
	out := make(map[int]string, m.Len())
	for _, idx := range m.Indices() {
		fp, _ := m.Fingerprint(idx)
		out[idx] = fp
	}
	return out
}

// FingerprintSet is the set of all fingerprints in the snapshot.
func (m *ElementMap) FingerprintSet() map[string]struct{} {
	out := make(map[string]struct{}, m.Len())
	for _, fp := range m.Fingerprints() {
		out[fp] = struct{}{}
	}
	return out
}

func structuralHash(branch []string, xpath string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(strings.Join(branch, "/")))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(xpath))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// HistoryElement is the recorded structural identity of an interacted
// element, stable across snapshots where numeric indices are not.
type HistoryElement struct {
	TagName        string            `json:"tag_name"`
	XPath          string            `json:"xpath"`
	HighlightIndex *int              `json:"highlight_index,omitempty"`
	BranchPath     []string          `json:"entire_parent_branch_path"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// HistoryElement captures the element at index, or nil when absent.
func (m *ElementMap) HistoryElement(index int) *HistoryElement {
	n, ok := m.Lookup(index)
	if !ok {
		return nil
	}
	idx := index
	attrs := make(map[string]string, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return &HistoryElement{
		TagName:        n.Tag,
		XPath:          n.XPath,
		HighlightIndex: &idx,
		BranchPath:     m.BranchPath(n.Slot),
		Attributes:     attrs,
	}
}

// Identity hashes branch path, attributes and xpath.
func (h *HistoryElement) Identity() string {
	return identityHash(h.BranchPath, h.Attributes, h.XPath)
}

// Find re-resolves a recorded element against this snapshot by identity,
// never by its recorded index.
func (m *ElementMap) Find(h *HistoryElement) (Node, bool) {
	if m == nil || h == nil {
		return Node{}, false
	}
	want := h.Identity()
	for _, idx := range m.Indices() {
		slot := m.byIndex[idx]
		n := m.nodes[slot]
		if identityHash(m.BranchPath(slot), n.Attributes, n.XPath) == want {
			return n, true
		}
	}
	return Node{}, false
}

func identityHash(branch []string, attrs map[string]string, xpath string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := blake3.New()
	_, _ = h.Write([]byte(strings.Join(branch, "/")))
	_, _ = h.Write([]byte{0})
	for _, k := range keys {
		_, _ = h.Write([]byte(k + "=" + attrs[k] + "\x1f"))
	}
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(xpath))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
