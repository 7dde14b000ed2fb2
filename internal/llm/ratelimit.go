package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter applies an AIMD token bucket in front of a Client. It
// estimates the token cost of each request, blocks until capacity is
// available, halves its tokens-per-minute budget when the provider reports a
// rate limit and recovers by 5% of the initial budget after each success.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64

	logger zerolog.Logger
}

type limitedClient struct {
	next    Client
	limiter *AdaptiveRateLimiter
}

// NewAdaptiveRateLimiter returns a limiter starting at initialTPM tokens per
// minute. maxTPM below initialTPM is clamped to it.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64, logger zerolog.Logger) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       max(initialTPM*0.1, 1),
		maxTPM:       maxTPM,
		recoveryRate: max(initialTPM*0.05, 1),
		logger:       logger,
	}
}

// Wrap returns next with the limiter applied.
func (l *AdaptiveRateLimiter) Wrap(next Client) Client {
	return &limitedClient{next: next, limiter: l}
}

// TPM is the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (c *limitedClient) Name() string { return c.next.Name() }

func (c *limitedClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.wait(ctx, EstimateTokens(req)); err != nil {
		return Response{}, err
	}
	resp, err := c.next.Generate(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, tokens int) error {
	l.mu.Lock()
	burst := l.limiter.Burst()
	l.mu.Unlock()
	// A single request larger than the bucket would never be admitted.
	return l.limiter.WaitN(ctx, min(tokens, burst))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.adjust(func(tpm float64) float64 { return min(tpm+l.recoveryRate, l.maxTPM) })
		return
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		l.adjust(func(tpm float64) float64 { return max(tpm*0.5, l.minTPM) })
	}
}

func (l *AdaptiveRateLimiter) adjust(next func(float64) float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm := next(l.currentTPM)
	if tpm == l.currentTPM {
		return
	}
	l.logger.Debug().Float64("from", l.currentTPM).Float64("to", tpm).Msg("rate limit budget adjusted")
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// EstimateTokens approximates request size at four characters per token
// plus a flat cost per image.
func EstimateTokens(req Request) int {
	chars := len(req.System)
	images := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
		images += len(m.Images)
	}
	return max(chars/4+images*800, 1)
}
