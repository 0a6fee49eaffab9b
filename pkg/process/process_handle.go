/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"fmt"
	"os/exec"
	"time"
)

// ProcessHandle is a compound type representing a reference to a process.
// It holds the process ID and its identity time (used to distinguish between
// different instances of processes with the same PID after PID reuse).
//
// ProcessHandle is a value type and is safe to use as a map key.
type ProcessHandle struct {
	Pid          Pid_t
	IdentityTime time.Time
}

func NewProcessHandle(pid Pid_t, identityTime time.Time) ProcessHandle {
	return ProcessHandle{
		Pid:          pid,
		IdentityTime: identityTime,
	}
}

// Creates a ProcessHandle from a started exec.Cmd.
// The command must have been started (cmd.Process must be non-nil).
func ProcessHandleFromCmd(cmd *exec.Cmd) ProcessHandle {
	if cmd.Process == nil {
		return ProcessHandle{Pid: UnknownPID}
	}

	pid := Uint32_ToPidT(uint32(cmd.Process.Pid))
	return NewProcessHandle(pid, ProcessIdentityTime(pid))
}

func (h ProcessHandle) String() string {
	return fmt.Sprintf("%d", h.Pid)
}
