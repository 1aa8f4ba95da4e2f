// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	cleanup, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to initialize telemetry with disabled config: %v", err)
	}
	cleanup()
}

func TestGetTracer(t *testing.T) {
	tracer := GetTracer()
	if tracer == nil {
		t.Fatal("GetTracer should never return nil")
	}

	_, span := tracer.Start(context.Background(), "fold_method")
	span.End()
}

// Init must not fail or block when the collector is down.
func TestInit_UnreachableCollector(t *testing.T) {
	ctx := context.Background()
	cleanup, err := Init(ctx, Config{
		Enabled:     true,
		ExporterURL: "http://127.0.0.1:37999",
		ServiceName: "test-service",
	})
	if err != nil {
		t.Fatalf("Init must not fail when collector is down, got: %v", err)
	}
	defer cleanup()

	_, span := GetTracer().Start(ctx, "telemetry-test-span")
	span.End()
}
