package actions

import "strconv"

// Kind names an action variant in the registry.
type Kind string

const (
	KindDone                 Kind = "done"
	KindSearchGoogle         Kind = "search_google"
	KindGoToURL              Kind = "go_to_url"
	KindGoBack               Kind = "go_back"
	KindWait                 Kind = "wait"
	KindClickElement         Kind = "click_element"
	KindInputText            Kind = "input_text"
	KindSwitchTab            Kind = "switch_tab"
	KindOpenTab              Kind = "open_tab"
	KindCloseTab             Kind = "close_tab"
	KindExtractContent       Kind = "extract_content"
	KindScrollDown           Kind = "scroll_down"
	KindScrollUp             Kind = "scroll_up"
	KindSendKeys             Kind = "send_keys"
	KindScrollToText         Kind = "scroll_to_text"
	KindSelectDropdownOption Kind = "select_dropdown_option"
)

// Action is one entry of a model decision. The set of implementations is
// closed: only the variants declared in this package satisfy it.
type Action interface {
	Kind() Kind
	isAction()
}

// Indexed is implemented by actions that target an element of the
// indexed-element map.
type Indexed interface {
	Action
	ElementIndex() int
	WithElementIndex(idx int) Action
}

type Done struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
}

type SearchGoogle struct {
	Query string `json:"query"`
}

type GoToURL struct {
	URL string `json:"url"`
}

type GoBack struct{}

type Wait struct {
	Seconds int `json:"seconds,omitempty"`
}

type ClickElement struct {
	Index int `json:"index"`
}

type InputText struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type SwitchTab struct {
	PageID int `json:"page_id"`
}

type OpenTab struct {
	URL string `json:"url"`
}

type CloseTab struct {
	PageID int `json:"page_id"`
}

type ExtractContent struct {
	Goal string `json:"goal"`
}

// ScrollDown scrolls by Amount pixels, or one viewport when Amount is nil.
type ScrollDown struct {
	Amount *int `json:"amount,omitempty"`
}

type ScrollUp struct {
	Amount *int `json:"amount,omitempty"`
}

type SendKeys struct {
	Keys string `json:"keys"`
}

type ScrollToText struct {
	Text string `json:"text"`
}

type SelectDropdownOption struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

func (Done) Kind() Kind                 { return KindDone }
func (SearchGoogle) Kind() Kind         { return KindSearchGoogle }
func (GoToURL) Kind() Kind              { return KindGoToURL }
func (GoBack) Kind() Kind               { return KindGoBack }
func (Wait) Kind() Kind                 { return KindWait }
func (ClickElement) Kind() Kind         { return KindClickElement }
func (InputText) Kind() Kind            { return KindInputText }
func (SwitchTab) Kind() Kind            { return KindSwitchTab }
func (OpenTab) Kind() Kind              { return KindOpenTab }
func (CloseTab) Kind() Kind             { return KindCloseTab }
func (ExtractContent) Kind() Kind       { return KindExtractContent }
func (ScrollDown) Kind() Kind           { return KindScrollDown }
func (ScrollUp) Kind() Kind             { return KindScrollUp }
func (SendKeys) Kind() Kind             { return KindSendKeys }
func (ScrollToText) Kind() Kind         { return KindScrollToText }
func (SelectDropdownOption) Kind() Kind { return KindSelectDropdownOption }

func (Done) isAction()                 {}
func (SearchGoogle) isAction()         {}
func (GoToURL) isAction()              {}
func (GoBack) isAction()               {}
func (Wait) isAction()                 {}
func (ClickElement) isAction()         {}
func (InputText) isAction()            {}
func (SwitchTab) isAction()            {}
func (OpenTab) isAction()              {}
func (CloseTab) isAction()             {}
func (ExtractContent) isAction()       {}
func (ScrollDown) isAction()           {}
func (ScrollUp) isAction()             {}
func (SendKeys) isAction()             {}
func (ScrollToText) isAction()         {}
func (SelectDropdownOption) isAction() {}

func (a ClickElement) ElementIndex() int         { return a.Index }
func (a InputText) ElementIndex() int            { return a.Index }
func (a SelectDropdownOption) ElementIndex() int { return a.Index }

func (a ClickElement) WithElementIndex(idx int) Action {
	a.Index = idx
	return a
}

func (a InputText) WithElementIndex(idx int) Action {
	a.Index = idx
	return a
}

func (a SelectDropdownOption) WithElementIndex(idx int) Action {
	a.Index = idx
	return a
}

// Target returns the value an action is aimed at: the element index for
// indexed actions, otherwise the most specific parameter. Actions without a
// target return "".
func Target(a Action) string {
	if ix, ok := a.(Indexed); ok {
		return strconv.Itoa(ix.ElementIndex())
	}
	switch v := a.(type) {
	case GoToURL:
		return v.URL
	case OpenTab:
		return v.URL
	case SearchGoogle:
		return v.Query
	case SwitchTab:
		return strconv.Itoa(v.PageID)
	case CloseTab:
		return strconv.Itoa(v.PageID)
	case SendKeys:
		return v.Keys
	case ScrollToText:
		return v.Text
	case ExtractContent:
		return v.Goal
	}
	return ""
}
