package engine

import (
	"log/slog"
	"sync"
)

// Connectivity is the boolean online/offline signal. The platform feeds it
// (network probe, CLI flag); the engine and reconciler consume it.
//
// Consumers subscribe to transition events instead of polling. Notifies
// fire only when the value actually changes.
type Connectivity struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

// NewConnectivity creates the signal in the given initial state.
// No notification fires for the initial state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online}
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Subscribe registers fn for state transitions. Subscribers run
// synchronously, in registration order, on the goroutine calling
// SetOnline.
func (c *Connectivity) Subscribe(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// SetOnline flips the signal. A call that does not change the state is a
// no-op; rapid flapping therefore produces one notification per actual
// transition.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	slog.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}
