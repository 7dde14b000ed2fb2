package agent

import (
	"context"
	"time"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/conversation"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Config struct {
	MaxSteps          int
	MaxActionsPerStep int
	// MaxFailures is the consecutive-failure ceiling.
	MaxFailures int
	// RetryDelay is slept after a provider rate limit.
	RetryDelay          time.Duration
	MaxRateLimitRetries int
	// WaitBetweenActions is 1s when zero; negative disables it.
	WaitBetweenActions time.Duration
	UseVision           bool
	// StrictNewElements stops a batch when an element unseen at batch start
	// appears.
	StrictNewElements bool
	LoopWindow        int
	LoopThreshold     int
	VerboseErrors     bool
	// StructuredOutput keeps the final answer machine-parseable: provenance
	// goes to result metadata instead of the content.
	StructuredOutput bool
	Temperature      float32
	InitialActions   []actions.Action
	Window           conversation.Settings
	Sleep            SleepFunc
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 100
	}
	if c.MaxActionsPerStep <= 0 {
		c.MaxActionsPerStep = 10
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = 3
	}
	switch {
	case c.WaitBetweenActions == 0:
		c.WaitBetweenActions = time.Second
	case c.WaitBetweenActions < 0:
		c.WaitBetweenActions = 0
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = 5
	}
	if c.LoopThreshold <= 0 {
		c.LoopThreshold = 3
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
