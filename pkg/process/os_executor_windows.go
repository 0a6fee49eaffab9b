/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
)

func (e *OSExecutor) stopSingleProcess(handle ProcessHandle, opts processStoppingOpts) error {
	proc, err := FindProcess(handle.Pid, handle.IdentityTime)
	if errors.Is(err, ErrorProcessNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("could not find process %d: %w", handle.Pid, err)
	}

	// Windows has no signals, and there is no universal way to "ask a process to stop",
	// so we just kill the process, but before that, we need to check if we are not already waiting for the process.
	var waitFunc WaitFunc = func() error {
		_, waitErr := proc.Wait()
		return waitErr
	}

	_, waitEndedCh, shouldStopProcess := e.tryStartWaiting(handle.Pid, waitFunc, waitReasonStopping)

	if shouldStopProcess || (opts&optIsResponsibleForStopping) != 0 {
		e.log.V(1).Info("killing process", "pid", handle.Pid)
		err = proc.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}

	<-waitEndedCh
	return nil
}
