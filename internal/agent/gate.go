package agent

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is a two-state pause gate. Wait returns at once while the gate is
// open and blocks while it is closed.
type Gate struct {
	mu     sync.Mutex
	open   chan struct{}
	closed bool
}

func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{open: ch}
}

// Close makes subsequent Wait calls block until Open.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.open = make(chan struct{})
	}
}

func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		g.closed = false
		close(g.open)
	}
}

func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controls carry the external pause and stop signals of a run. They are
// safe to use from any goroutine.
type Controls struct {
	gate    *Gate
	stopped atomic.Bool
}

func NewControls() *Controls {
	return &Controls{gate: NewGate()}
}

func (c *Controls) Pause()  { c.gate.Close() }
func (c *Controls) Resume() { c.gate.Open() }

// Stop ends the run at the next checkpoint and releases a paused run.
func (c *Controls) Stop() {
	c.stopped.Store(true)
	c.gate.Open()
}

func (c *Controls) Paused() bool  { return c.gate.IsClosed() }
func (c *Controls) Stopped() bool { return c.stopped.Load() }

// check is the cooperative checkpoint used inside a step.
func (c *Controls) check() error {
	if c.Stopped() || c.Paused() {
		return ErrInterrupted
	}
	return nil
}

// wait blocks while paused.
func (c *Controls) wait(ctx context.Context) error {
	return c.gate.Wait(ctx)
}
