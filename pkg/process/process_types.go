/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"os/exec"
)

// Process ID. Wide enough to hold any valid PID on every supported OS.
type Pid_t int64

const (
	// A valid exit code of a process is a non-negative number. We use UnknownExitCode to indicate that we have not obtained the exit code yet.
	UnknownExitCode int32 = -1

	// Unknown PID code is used when the process is not started (or fails to start)
	UnknownPID Pid_t = -1
)

type Executor interface {
	// Starts the process described by given command instance.
	// When the passed context is cancelled, the process is automatically terminated.
	// Returns the process handle and a function that enables process exit notifications delivered to the exit handler.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ProcessExitHandler) (handle ProcessHandle, startWaitForProcessExit func(), err error)

	// Stops the process (and its children) identified by the handle.
	StopProcess(handle ProcessHandle) error
}

type ProcessExitHandler interface {
	// Indicates that process with a given PID has finished execution
	// If err is nil, the process exit code was properly captured and the exitCode value is valid
	// if err is not nil, there was a problem tracking the process and the exitCode value is not valid
	OnProcessExited(pid Pid_t, exitCode int32, err error)
}

// Make it easy to supply a function as a process exit handler.
type ProcessExitHandlerFunc func(Pid_t, int32, error)

func (f ProcessExitHandlerFunc) OnProcessExited(pid Pid_t, exitCode int32, err error) {
	f(pid, exitCode, err)
}
