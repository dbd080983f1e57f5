package prefetch

import (
	"context"
	"sync"
)

// IdleGate holds preload bodies back while the user is interacting
type IdleGate struct {
	mu   sync.Mutex
	busy int
	idle chan struct{}
}

// NewIdleGate creates an open gate
func NewIdleGate() *IdleGate {
	idle := make(chan struct{})
	close(idle)
	return &IdleGate{idle: idle}
}

// BeginInteraction closes the gate until the matching EndInteraction
func (g *IdleGate) BeginInteraction() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy == 0 {
		g.idle = make(chan struct{})
	}
	g.busy++
}

// EndInteraction reopens the gate once every interaction has ended
func (g *IdleGate) EndInteraction() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy == 0 {
		return
	}
	g.busy--
	if g.busy == 0 {
		close(g.idle)
	}
}

// Busy reports whether an interaction is in progress
func (g *IdleGate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy > 0
}

// WaitIdle blocks until no interaction is in progress
func (g *IdleGate) WaitIdle(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
