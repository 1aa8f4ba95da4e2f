// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package shutdown releases process-wide resources, such as the oracle
// result cache and the trace exporter, when a command ends or is
// interrupted.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

type HookFunc func(context.Context) error

type hook struct {
	name string
	fn   HookFunc
}

// Coordinator runs registered hooks exactly once, newest first.
type Coordinator struct {
	mu    sync.Mutex
	hooks []hook
	done  bool
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Register adds fn. Hooks registered after Run are ignored.
func (c *Coordinator) Register(name string, fn HookFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.hooks = append(c.hooks, hook{name: name, fn: fn})
}

// Closer registers a hook that closes cl.
func (c *Coordinator) Closer(name string, cl interface{ Close() error }) {
	if cl == nil {
		return
	}
	c.Register(name, func(context.Context) error { return cl.Close() })
}

// Run calls every hook, sharing what is left of ctx's deadline evenly
// between the hooks still to run. Failures are collected, not fatal.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	hooks := append([]hook(nil), c.hooks...)
	c.mu.Unlock()

	var result *multierror.Error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		hookCtx, cancel := share(ctx, i+1)
		err := h.fn(hookCtx)
		cancel()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return result.ErrorOrNil()
}

// RunWithTimeout is Run under a fresh deadline.
func (c *Coordinator) RunWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Run(ctx)
}

func share(ctx context.Context, remaining int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	left := time.Until(deadline)
	if left <= 0 {
		return context.WithTimeout(ctx, time.Millisecond)
	}
	return context.WithTimeout(ctx, left/time.Duration(remaining))
}
