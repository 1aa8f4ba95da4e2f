// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package oracle

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// prepareCommand puts the executor in its own process group so that
// anything it spawns is stopped with it.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateCommand sends SIGTERM to the executor's group and escalates to
// SIGKILL if the leader is still alive after grace.
func terminateCommand(cmd *exec.Cmd, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	group := -cmd.Process.Pid
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		group = -pgid
	}

	if err := signalGroup(group, syscall.SIGTERM); err != nil {
		return err
	}
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(grace)
	for {
		select {
		case <-tick.C:
			if gone(cmd.Process.Pid) {
				return nil
			}
		case <-deadline:
			return signalGroup(group, syscall.SIGKILL)
		}
	}
}

func signalGroup(group int, sig syscall.Signal) error {
	if err := syscall.Kill(group, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func gone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}
