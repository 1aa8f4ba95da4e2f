// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package oracle

import (
	"os/exec"
	"time"
)

func prepareCommand(*exec.Cmd) {}

// terminateCommand kills the executor at once; Windows has no group signal
// to give it a grace period with.
func terminateCommand(cmd *exec.Cmd, _ time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
