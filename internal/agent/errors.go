package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polzovatel/browser-agent/internal/browser"
	"github.com/polzovatel/browser-agent/internal/llm"
)

var (
	// ErrInterrupted unwinds a step after a pause or stop request. It is
	// not a failure.
	ErrInterrupted = errors.New("interrupted")
	// ErrBrowserUnavailable ends the run: the environment itself is broken.
	ErrBrowserUnavailable = errors.New("browser unavailable")
	ErrTooManyFailures    = errors.New("too many consecutive failures")
	ErrMaxSteps           = errors.New("reached max steps")
	ErrStopped            = errors.New("stopped by request")
)

// ValidationError reports model output that could not be used.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid model output: %s: %v", e.Msg, e.Err)
	}
	return "invalid model output: " + e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Category is the failure class of a step error.
type Category int

const (
	CategoryNone Category = iota
	CategoryInterrupted
	CategoryValidation
	CategoryRateLimited
	CategoryProvider
	CategoryBrowserUnavailable
	CategoryUnclassified
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryInterrupted:
		return "interrupted"
	case CategoryValidation:
		return "validation"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryProvider:
		return "provider_unavailable"
	case CategoryBrowserUnavailable:
		return "browser_unavailable"
	default:
		return "unclassified"
	}
}

// Classify maps an error raised during a step to its category.
func Classify(err error) Category {
	var (
		verr *ValidationError
		lerr llm.Error
	)
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return CategoryInterrupted
	case errors.Is(err, ErrBrowserUnavailable), errors.Is(err, browser.ErrUnavailable):
		return CategoryBrowserUnavailable
	case errors.As(err, &verr), llm.IsContextLength(err):
		return CategoryValidation
	case llm.IsRateLimited(err):
		return CategoryRateLimited
	case errors.As(err, &lerr), errors.Is(err, llm.ErrEmptyResponse):
		return CategoryProvider
	default:
		return CategoryUnclassified
	}
}

// contextExceeded reports whether err says the prompt outgrew the model's
// context.
func contextExceeded(err error) bool {
	if llm.IsContextLength(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "max token limit") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length_exceeded")
}

func browserUnavailable(err error) error {
	if errors.Is(err, ErrBrowserUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBrowserUnavailable, err)
}
