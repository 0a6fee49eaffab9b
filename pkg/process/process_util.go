/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"

	"github.com/hil-tools/slt/pkg/osutil"
)

var (
	// Essentially the same as ps.ErrorProcessNotRunning, but we do not want to
	// expose the ps package outside of this package.
	ErrorProcessNotFound = errors.New("process does not exist")
)

// Returns the list of handles for a given process and its children.
// The list is ordered starting with the root of the hierarchy, then the children, then the grandchildren etc.
func GetProcessTree(rootP ProcessHandle) ([]ProcessHandle, error) {
	root, err := findPsProcess(rootP.Pid, rootP.IdentityTime)
	if err != nil {
		return nil, err
	}

	tree := []ProcessHandle{}
	next := []*ps.Process{root}

	for len(next) > 0 {
		current := next[0]
		next = next[1:]
		tree = append(tree, NewProcessHandle(Uint32_ToPidT(uint32(current.Pid)), processIdentityTime(current)))

		children, childrenErr := current.Children()
		if childrenErr != nil {
			// If we fail to get the children, assume there are no children.
			children = []*ps.Process{}
		}

		next = append(next, children...)
	}

	return tree, nil
}

// Runs the command as a child process to completion.
// Returns exit code, or error if the process could not be started/tracked for some reason.
//
// The context parameter is used to request cancellation of the process, but the call to RunToCompletion() will not return
// until the process exits.
func RunToCompletion(ctx context.Context, executor Executor, cmd *exec.Cmd) (int32, error) {
	pic := make(chan ProcessExitInfo, 1)
	peh := NewChannelProcessExitHandler(pic)

	_, startWaitForProcessExit, err := executor.StartProcess(ctx, cmd, peh)
	if err != nil {
		return UnknownExitCode, err
	}

	startWaitForProcessExit()

	// Only exit when the process exit--do not exit merely because the context is cancelled.
	exitInfo := <-pic
	return exitInfo.ExitCode, exitInfo.Err
}

type resultOrError[T any] struct {
	result T
	err    error
}

// Runs the command as a child process to completion, unless the passed context is cancelled,
// or its deadline is exceeded.
func RunWithTimeout(ctx context.Context, executor Executor, cmd *exec.Cmd) (int32, error) {
	resultCh := make(chan resultOrError[int32], 1)
	go func() {
		exitCode, err := RunToCompletion(ctx, executor, cmd)
		resultCh <- resultOrError[int32]{exitCode, err}
	}()

	select {
	case <-ctx.Done():
		return UnknownExitCode, ctx.Err()
	case runResult := <-resultCh:
		return runResult.result, runResult.err
	}
}

// We serialize timestamps with millisecond precision, so a maximum couple of milliseconds of difference works well.
const ProcessIdentityTimeMaximumDifference = 2 * time.Millisecond

// Gets the start time for the process, used to verify process identity.
func ProcessIdentityTime(pid Pid_t) time.Time {
	osPid, osPidErr := PidT_ToUint32(pid)
	if osPidErr != nil {
		return time.Time{}
	}

	proc, procErr := ps.NewProcess(int32(osPid))
	if procErr != nil {
		return time.Time{}
	}

	return processIdentityTime(proc)
}

func processIdentityTime(proc *ps.Process) time.Time {
	createTimestamp, err := proc.CreateTime()
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(createTimestamp)
}

func findPsProcess(pid Pid_t, expectedIdentityTime time.Time) (*ps.Process, error) {
	osPid, err := PidT_ToUint32(pid)
	if err != nil {
		return nil, err
	}

	// Call this first even if the identity time is not used, to ensure the process exists.
	proc, procErr := ps.NewProcess(int32(osPid))
	if procErr != nil {
		if !errors.Is(procErr, ps.ErrorProcessNotRunning) {
			return nil, procErr
		} else {
			return nil, fmt.Errorf("process with pid %d does not exist: %w", pid, ErrorProcessNotFound)
		}
	}

	if !HasExpectedIdentityTime(proc, expectedIdentityTime) {
		actualIdentityTime := processIdentityTime(proc)

		return nil, fmt.Errorf(
			"process start time mismatch, pid might have been reused: pid %d, expected start time %s, actual start time %s: %w",
			pid,
			expectedIdentityTime.Format(osutil.RFC3339MiliTimestampFormat),
			actualIdentityTime.Format(osutil.RFC3339MiliTimestampFormat),
			ErrorProcessNotFound,
		)
	}

	return proc, nil
}

// Returns the process with the given PID. If the expectedIdentityTime is not zero,
// the process start time is checked to match it.
func FindProcess(pid Pid_t, expectedIdentityTime time.Time) (*os.Process, error) {
	proc, err := findPsProcess(pid, expectedIdentityTime)
	if err != nil {
		return nil, err
	}

	process, err := os.FindProcess(int(proc.Pid))
	if err != nil {
		return nil, err
	}

	return process, nil
}

// Reports whether the process referenced by the handle is still present.
// A process that exited but was not reaped yet is reported as present.
func IsPresent(handle ProcessHandle) bool {
	if !pidExists(handle.Pid) {
		return false
	}
	_, err := findPsProcess(handle.Pid, handle.IdentityTime)
	return err == nil
}

func Uint32_ToPidT(val uint32) Pid_t {
	// uint32 is always valid as a PID value (see convertPid()), and can always be converted to Pid_t, which is int64-based.
	return Pid_t(val)
}

func PidT_ToInt(val Pid_t) (int, error) {
	return convertPid[Pid_t, int](val)
}

func PidT_ToUint32(val Pid_t) (uint32, error) {
	return convertPid[Pid_t, uint32](val)
}

func convertPid[From ~int64 | ~uint64 | ~uint32, To ~int64 | ~int | ~uint32](val From) (To, error) {
	outOfRange := val < 0 || uint64(val) > math.MaxUint32
	if outOfRange {
		return 0, fmt.Errorf("value %d is out of range of valid process ID values", val)
	}
	return To(val), nil
}

func HasExpectedIdentityTime(proc *ps.Process, expectedIdentityTime time.Time) bool {
	if expectedIdentityTime.IsZero() {
		return true
	} else {
		identityTime := processIdentityTime(proc)
		return osutil.Within(expectedIdentityTime, identityTime, ProcessIdentityTimeMaximumDifference)
	}
}

// Checks if the error is associated with early exit of a process, which is often expected.
func IsEarlyProcessExitError(err error) bool {
	if err == nil {
		return false
	}

	var ee *exec.ExitError
	if errors.Is(err, os.ErrProcessDone) || errors.As(err, &ee) {
		// These are all expected errors, the process exited.
		return true
	}

	// Receiving ECHILD when calling wait() on the child process is expected,
	// (the parent process might have reaped it already).
	var sysErr *os.SyscallError
	isEChildErr := errors.As(err, &sysErr) && strings.Index(sysErr.Syscall, "wait") == 0 && errors.Is(sysErr.Err, syscall.ECHILD)
	return isEChildErr
}

func init() {
	ps.EnableBootTimeCache(true)
}
