// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct{ closed int }

func (c *closer) Close() error {
	c.closed++
	return nil
}

func TestRunNewestFirstAndOnce(t *testing.T) {
	c := NewCoordinator()
	var order []string
	for _, name := range []string{"cache", "telemetry", "oracle"} {
		c.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	cl := &closer{}
	c.Closer("store", cl)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"oracle", "telemetry", "cache"}, order)
	assert.Equal(t, 1, cl.closed)

	c.Register("late", func(context.Context) error {
		order = append(order, "late")
		return nil
	})
	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, order, 3)
	assert.Equal(t, 1, cl.closed)
}

func TestRunCollectsErrors(t *testing.T) {
	c := NewCoordinator()
	boom := errors.New("boom")
	ran := false
	c.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	c.Register("broken", func(context.Context) error { return boom })

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, ran)
}

func TestRunWithTimeoutSharesDeadline(t *testing.T) {
	c := NewCoordinator()
	var budgets []time.Duration
	for range 2 {
		c.Register("h", func(ctx context.Context) error {
			d, ok := ctx.Deadline()
			require.True(t, ok)
			budgets = append(budgets, time.Until(d))
			return nil
		})
	}
	require.NoError(t, c.RunWithTimeout(time.Second))
	require.Len(t, budgets, 2)
	assert.LessOrEqual(t, budgets[0], 500*time.Millisecond)
}
