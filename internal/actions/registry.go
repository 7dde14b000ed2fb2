package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Spec declares one action variant: its model-facing description, the JSON
// schema of its parameters and a typed decoder.
type Spec struct {
	Kind        Kind
	Description string
	Params      map[string]any
	// RepeatTolerant actions are ignored by loop detection.
	RepeatTolerant bool

	schema *jsonschema.Schema
	decode func(raw json.RawMessage) (Action, error)
}

// Registry is the closed set of actions a model may choose from.
type Registry struct {
	mu    sync.RWMutex
	specs map[Kind]*Spec
	order []Kind
}

var builtin = sync.OnceValue(func() *Registry {
	reg, err := NewRegistry(
		variant[Done](KindDone, "Complete the task. Set success=false if the task could not be fully completed. Put the final answer in text.",
			schema{"text": str("final answer for the user"), "success": boolean("whether the task succeeded")}, []string{"text", "success"}),
		variant[SearchGoogle](KindSearchGoogle, "Search the query in Google in the current tab",
			schema{"query": str("search query")}, []string{"query"}),
		variant[GoToURL](KindGoToURL, "Navigate to URL in the current tab",
			schema{"url": str("url to open")}, []string{"url"}),
		variant[GoBack](KindGoBack, "Go back to the previous page", schema{}, nil),
		variant[Wait](KindWait, "Wait for x seconds, default 3",
			schema{"seconds": integer("seconds to wait")}, nil).repeatTolerant(),
		variant[ClickElement](KindClickElement, "Click element by index",
			schema{"index": integer("element index from the page state")}, []string{"index"}),
		variant[InputText](KindInputText, "Input text into an input interactive element",
			schema{"index": integer("element index from the page state"), "text": str("text to type")}, []string{"index", "text"}),
		variant[SwitchTab](KindSwitchTab, "Switch tab",
			schema{"page_id": integer("tab id")}, []string{"page_id"}),
		variant[OpenTab](KindOpenTab, "Open url in new tab",
			schema{"url": str("url to open")}, []string{"url"}),
		variant[CloseTab](KindCloseTab, "Close an existing tab",
			schema{"page_id": integer("tab id")}, []string{"page_id"}),
		variant[ExtractContent](KindExtractContent, "Extract page content to retrieve specific information from the page",
			schema{"goal": str("what to extract")}, []string{"goal"}),
		variant[ScrollDown](KindScrollDown, "Scroll down the page by pixel amount, if no amount is specified scroll down one page",
			schema{"amount": integer("pixels")}, nil),
		variant[ScrollUp](KindScrollUp, "Scroll up the page by pixel amount, if no amount is specified scroll up one page",
			schema{"amount": integer("pixels")}, nil),
		variant[SendKeys](KindSendKeys, "Send special keys like Escape, Backspace, Enter or shortcuts like Control+o",
			schema{"keys": str("keys to press")}, []string{"keys"}),
		variant[ScrollToText](KindScrollToText, "If you don't find something which you want to interact with, scroll to it",
			schema{"text": str("visible text")}, []string{"text"}),
		variant[SelectDropdownOption](KindSelectDropdownOption, "Select dropdown option for interactive element index by the text of the option you want to select",
			schema{"index": integer("element index of the select"), "text": str("option text")}, []string{"index", "text"}),
	)
	if err != nil {
		panic(fmt.Sprintf("actions: builtin registry: %v", err))
	}
	return reg
})

// Default returns the builtin registry.
func Default() *Registry { return builtin() }

// NewRegistry compiles the parameter schema of every spec.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[Kind]*Spec, len(specs))}
	for i := range specs {
		if err := r.add(specs[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(s Spec) error {
	if s.Kind == "" {
		return fmt.Errorf("action spec missing kind")
	}
	if s.decode == nil {
		return fmt.Errorf("action %s missing decoder", s.Kind)
	}
	compiled, err := compileSchema(s.Params)
	if err != nil {
		return fmt.Errorf("action %s schema: %w", s.Kind, err)
	}
	s.schema = compiled
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[s.Kind]; dup {
		return fmt.Errorf("action %s registered twice", s.Kind)
	}
	r.specs[s.Kind] = &s
	r.order = append(r.order, s.Kind)
	return nil
}

// Lookup returns the spec registered for kind.
func (r *Registry) Lookup(kind Kind) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[kind]
	return s, ok
}

// Kinds lists registered kinds in declaration order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Kind(nil), r.order...)
}

// RepeatTolerant reports whether loop detection should ignore kind.
func (r *Registry) RepeatTolerant(kind Kind) bool {
	s, ok := r.Lookup(kind)
	return ok && s.RepeatTolerant
}

// Decode parses a single {"kind": {params}} object.
func (r *Registry) Decode(data []byte) (Action, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("action json: %w", err)
	}
	if len(obj) != 1 {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("action must have exactly one kind, got %v", keys)
	}
	for k, raw := range obj {
		return r.DecodeParams(Kind(k), raw)
	}
	return nil, nil
}

// DecodeParams validates raw against the schema of kind and decodes it into
// the typed variant.
func (r *Registry) DecodeParams(kind Kind, raw json.RawMessage) (Action, error) {
	s, ok := r.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", kind)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("action %s params: %w", kind, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("action %s params: %w", kind, err)
	}
	return s.decode(raw)
}

// Marshal encodes a as {"kind": {params}}.
func Marshal(a Action) ([]byte, error) {
	params, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", a.Kind(), err)
	}
	return json.Marshal(map[Kind]json.RawMessage{a.Kind(): params})
}

// Describe renders the registry for the system prompt, one action per line.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, k := range r.Kinds() {
		s, _ := r.Lookup(k)
		props, _ := json.Marshal(s.Params["properties"])
		fmt.Fprintf(&b, "%s: %s\n  {%s: %s}\n", k, s.Description, k, props)
	}
	return b.String()
}

// OutputSchema is the JSON schema of a complete model decision.
func (r *Registry) OutputSchema() map[string]any {
	var variants []any
	for _, k := range r.Kinds() {
		s, _ := r.Lookup(k)
		variants = append(variants, map[string]any{
			"type":                 "object",
			"properties":           map[string]any{string(k): s.Params},
			"required":             []string{string(k)},
			"additionalProperties": false,
		})
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"current_state": map[string]any{
				"type": "object",
				"properties": schema{
					"evaluation_previous_goal": str("Success|Failed|Unknown - analysis of the last actions"),
					"memory":                   str("what has been done and what to remember"),
					"next_goal":                str("what needs to be done next"),
				},
				"required": []string{"evaluation_previous_goal", "memory", "next_goal"},
			},
			"action": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"anyOf": variants},
			},
		},
		"required": []string{"current_state", "action"},
	}
}

func (s Spec) repeatTolerant() Spec {
	s.RepeatTolerant = true
	return s
}

func variant[T Action](kind Kind, desc string, props schema, required []string) Spec {
	params := map[string]any{
		"type":       "object",
		"properties": map[string]any(props),
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return Spec{
		Kind:        kind,
		Description: desc,
		Params:      params,
		decode: func(raw json.RawMessage) (Action, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("action %s params: %w", kind, err)
			}
			return v, nil
		},
	}
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("action.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile("action.json")
}

type schema map[string]any

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}
