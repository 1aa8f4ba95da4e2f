// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockOracle is a testify mock of Oracle for callers' tests.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) Execute(ctx context.Context, req *Request) (Value, error) {
	args := m.Called(ctx, req)
	v, _ := args.Get(0).(Value)
	return v, args.Error(1)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req *Request) (Value, error)

func (f Func) Execute(ctx context.Context, req *Request) (Value, error) {
	return f(ctx, req)
}
