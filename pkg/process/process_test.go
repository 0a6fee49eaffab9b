/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	wait "k8s.io/apimachinery/pkg/util/wait"

	"github.com/hil-tools/slt/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunHelperProcessIfRequested(map[string]testutil.HelperFunc{
		"delay": testutil.DelayHelper,
	})
	os.Exit(m.Run())
}

func delayCommand(args ...string) *exec.Cmd {
	exe, helperArgs := testutil.HelperProcess("delay", args...)
	return exec.Command(exe, helperArgs...)
}

func TestRunCompleted(t *testing.T) {
	t.Parallel()

	executor := NewOSExecutor(logr.Discard(), 0)
	testCtx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	// The command will wait for 300 ms and then exit with code 12.
	exitCode, err := RunToCompletion(testCtx, executor, delayCommand("--delay=300ms", "--exit-code=12"))
	require.NoError(t, err, "Program execution failed unexpectedly")
	require.Equal(t, int32(12), exitCode, "Program exit code was not captured properly")
}

// Tests that process is terminated when the context expires.
func TestRunDeadlineExceeded(t *testing.T) {
	t.Parallel()

	executor := NewOSExecutor(logr.Discard(), 0)

	// Command returns on its own after 20 seconds. This prevents the test from hanging.
	cmd := delayCommand("--delay=20s")
	start := time.Now()
	ctx, cancelFn := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancelFn()

	_, err := RunToCompletion(ctx, executor, cmd)

	elapsed := time.Since(start)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	if elapsed > 5*time.Second {
		t.Fatal("Process was not terminated timely")
	}
}

func TestRunWithTimeoutReturnsOnContextExpiry(t *testing.T) {
	t.Parallel()

	executor := NewOSExecutor(logr.Discard(), 0)
	ctx, cancelFn := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancelFn()

	exitCode, err := RunWithTimeout(ctx, executor, delayCommand("--delay=20s"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, UnknownExitCode, exitCode)
}

func TestStartProcessFailsForMissingExecutable(t *testing.T) {
	t.Parallel()

	executor := NewOSExecutor(logr.Discard(), 0)
	handle, _, err := executor.StartProcess(context.Background(), exec.Command("/definitely/not/a/real/binary"), nil)
	require.Error(t, err)
	require.Equal(t, UnknownPID, handle.Pid)
}

func TestStopProcessDeliversExitNotification(t *testing.T) {
	t.Parallel()

	executor := NewOSExecutor(logr.Discard(), 5*time.Second)
	exitCh := make(chan ProcessExitInfo, 1)

	handle, startWaiting, err := executor.StartProcess(context.Background(), delayCommand("--delay=20s"), NewChannelProcessExitHandler(exitCh))
	require.NoError(t, err)
	startWaiting()
	require.True(t, IsPresent(handle))

	require.NoError(t, executor.StopProcess(handle))

	testCtx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()
	select {
	case info := <-exitCh:
		require.Equal(t, handle.Pid, info.PID)
	case <-testCtx.Done():
		t.Fatal("exit notification was not delivered")
	}

	ensureStopped(t, handle, 5*time.Second)

	// Stopping an already stopped process is not an error.
	require.NoError(t, executor.StopProcess(handle))
}

func TestGetProcessTreeOfCurrentProcess(t *testing.T) {
	t.Parallel()

	self := NewProcessHandle(Uint32_ToPidT(uint32(os.Getpid())), time.Time{})
	tree, err := GetProcessTree(self)
	require.NoError(t, err)
	require.NotEmpty(t, tree)
	require.Equal(t, self.Pid, tree[0].Pid)

	_, err = FindProcess(self.Pid, ProcessIdentityTime(self.Pid))
	require.NoError(t, err)
}

func TestPidConversions(t *testing.T) {
	t.Parallel()

	_, err := PidT_ToUint32(Pid_t(-5))
	require.Error(t, err)

	_, err = PidT_ToInt(Pid_t(math.MaxUint32 + 1))
	require.Error(t, err)

	osPid, err := PidT_ToInt(Pid_t(12))
	require.NoError(t, err)
	require.Equal(t, 12, osPid)
}

func TestIsEarlyProcessExitError(t *testing.T) {
	t.Parallel()

	require.False(t, IsEarlyProcessExitError(nil))
	require.True(t, IsEarlyProcessExitError(os.ErrProcessDone))
	require.False(t, IsEarlyProcessExitError(errors.New("something else")))
}

func ensureStopped(t *testing.T, handle ProcessHandle, timeout time.Duration) {
	timeoutCtx, timeoutCtxCancelFn := context.WithTimeout(context.Background(), timeout)
	defer timeoutCtxCancelFn()

	err := wait.PollUntilContextCancel(
		timeoutCtx,
		100*time.Millisecond,
		true, // Don't wait before polling for the first time
		func(_ context.Context) (bool, error) {
			return !IsPresent(handle), nil
		},
	)

	require.NoError(t, err, "process could not be stopped")
}
