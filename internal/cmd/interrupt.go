// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	stderrors "errors"
	"os"
	"time"

	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/shutdown"
)

const (
	InterruptExitCode = 130
	shutdownTimeout   = 3 * time.Second
)

var ErrInterrupted = stderrors.New("interrupt received")

func IsInterrupted(err error) bool {
	return stderrors.Is(err, ErrInterrupted)
}

func IsCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled)
}

// executeWithSignals runs fn under ctx. A signal on sigCh cancels ctx and
// turns the result into ErrInterrupted. The shutdown hooks run either way.
func executeWithSignals(
	ctx context.Context,
	cancel context.CancelFunc,
	sigCh <-chan os.Signal,
	c *shutdown.Coordinator,
	fn func(context.Context) error,
) error {
	interrupted := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Logger.Warn("Interrupted, stopping", "signal", sig.String())
			close(interrupted)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := fn(ctx)

	if c != nil {
		if herr := c.RunWithTimeout(shutdownTimeout); herr != nil {
			logger.Logger.Warn("Shutdown hooks completed with errors", "error", herr)
		}
	}

	select {
	case <-interrupted:
		return ErrInterrupted
	default:
		return err
	}
}
