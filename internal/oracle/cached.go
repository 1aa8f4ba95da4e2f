// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/logger"
)

// Store persists oracle results by request key.
type Store interface {
	Get(ctx context.Context, key string) (Value, bool, error)
	Put(ctx context.Context, key string, v Value) error
}

// Key is the hex SHA-256 of the request's wire form.
func Key(req *Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", errors.WrapMarshalFailed(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Cached memoises the values an Oracle returns. Faults and arrays are not
// stored, and a failing Store only costs the lookup. The request key does
// not cover the class table or Environment the oracle resolves calls
// against; set Scope to something identifying them when a Store outlives
// one input.
type Cached struct {
	Oracle Oracle
	Store  Store
	Scope  string
}

func (c *Cached) Execute(ctx context.Context, req *Request) (Value, error) {
	key, err := Key(req)
	if err != nil {
		return Value{}, err
	}
	if c.Scope != "" {
		sum := sha256.Sum256([]byte(c.Scope + "\x00" + key))
		key = hex.EncodeToString(sum[:])
	}
	if v, ok, err := c.Store.Get(ctx, key); err != nil {
		logger.Logger.Warn("Oracle cache read failed", "error", err)
	} else if ok {
		logger.Logger.Debug("Oracle cache hit", "key", key[:12])
		return v, nil
	}

	v, err := c.Oracle.Execute(ctx, req)
	if err != nil {
		return Value{}, err
	}
	if v.Kind != KindArray {
		if err := c.Store.Put(ctx, key, v); err != nil {
			logger.Logger.Warn("Oracle cache write failed", "error", err)
		}
	}
	return v, nil
}

