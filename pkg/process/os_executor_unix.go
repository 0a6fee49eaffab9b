/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

func (e *OSExecutor) stopSingleProcess(handle ProcessHandle, opts processStoppingOpts) error {
	osPid, err := PidT_ToInt(handle.Pid)
	if err != nil {
		return err
	}

	// Always succeeds on Unix.
	proc, _ := os.FindProcess(osPid)

	var waitFunc WaitFunc = func() error {
		_, waitErr := proc.Wait()
		return waitErr
	}

	waitResultCh, waitEndedCh, shouldStopProcess := e.tryStartWaiting(handle.Pid, waitFunc, waitReasonStopping)

	if !shouldStopProcess && (opts&optIsResponsibleForStopping) == 0 {
		// Someone else is stopping the process (or it already exited). Wait for it to exit.
		<-waitEndedCh
		return nil
	}

	if (opts & optTrySignal) == optTrySignal {
		// Give the process a chance to gracefully exit.
		err = e.signalAndWaitForExit(proc, syscall.SIGTERM, waitResultCh)
		switch {
		case err == nil:
			e.log.V(1).Info("process stopped by SIGTERM", "pid", handle.Pid)
			return nil
		case !errors.Is(err, context.DeadlineExceeded):
			return err
		}

		e.log.Info("process did not exit after SIGTERM, escalating to SIGKILL", "pid", handle.Pid, "timeout", e.stopTimeout)
	}

	err = e.signalAndWaitForExit(proc, syscall.SIGKILL, waitResultCh)
	switch {
	case err == nil:
		e.log.V(1).Info("process stopped by SIGKILL", "pid", handle.Pid)
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("process %d did not exit after SIGKILL: %w", handle.Pid, err)
	default:
		return err
	}
}

// Sends a given signal to a process and waits for it to exit.
// If the process does not exit within the stop timeout, the function returns context.DeadlineExceeded.
func (e *OSExecutor) signalAndWaitForExit(proc *os.Process, sig syscall.Signal, waitResultCh <-chan waitResult) error {
	err := proc.Signal(sig)
	switch {
	case errors.Is(err, os.ErrProcessDone):
		return nil
	case err != nil:
		return fmt.Errorf("could not send signal %s to process %d: %w", sig.String(), proc.Pid, err)
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), e.stopTimeout)
	defer cancelTimeout()

	select {

	case wr := <-waitResultCh:
		if wr.waitErr == nil || IsEarlyProcessExitError(wr.waitErr) {
			// These are all expected errors, the process exited.
			return nil
		}

		return fmt.Errorf("could not wait for process %d to exit: %w", proc.Pid, wr.waitErr)

	case <-timeoutCtx.Done():
		return context.DeadlineExceeded
	}
}
