package http

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/searchktools/hostcore/core/features"
)

var (
	// ErrCallbackAfterStart is returned by OnStarting once the response has started
	ErrCallbackAfterStart = fmt.Errorf("%w: OnStarting registered after the response started", features.ErrInvalidOperation)
	// ErrCallbackAfterCompleted is returned by OnCompleted once the request completed
	ErrCallbackAfterCompleted = fmt.Errorf("%w: OnCompleted registered after the request completed", features.ErrInvalidOperation)
)

type callback struct {
	fn    features.Callback
	state any
}

// callbackChain runs its callbacks at most once, last registered first.
type callbackChain struct {
	mu        sync.Mutex
	callbacks []callback
	fired     bool
}

// register appends fn, or returns late if the chain already fired
func (c *callbackChain) register(fn features.Callback, state any, late error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		return late
	}
	c.callbacks = append(c.callbacks, callback{fn: fn, state: state})
	return nil
}

// fire runs the chain. The first failing callback stops the chain and
// its error is returned. Later calls are no-ops.
func (c *callbackChain) fire(ctx context.Context) error {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return nil
	}
	c.fired = true
	cbs := c.callbacks
	c.mu.Unlock()

	slices.Reverse(cbs)
	for _, cb := range cbs {
		if err := cb.fn(ctx, cb.state); err != nil {
			return err
		}
	}
	return nil
}

func (c *callbackChain) hasFired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

func (c *callbackChain) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.callbacks)
	c.callbacks = c.callbacks[:0]
	c.fired = false
}
