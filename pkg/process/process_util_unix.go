/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Use separate process group so that terminal-generated signals (Ctrl+C) aimed at this process
// do not reach the child directly. The child is stopped through the executor instead.
func DecoupleFromParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Reports whether a process with the given PID exists (it may be a zombie).
func pidExists(pid Pid_t) bool {
	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return false
	}

	err = unix.Kill(osPid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
