/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/hil-tools/slt/pkg/resiliency"
)

type waitReason uint32

const (
	waitReasonNone       waitReason = 0x0
	waitReasonMonitoring waitReason = 0x1
	waitReasonStopping   waitReason = 0x2
)

// How long a process gets to exit after a graceful stop request before it is killed.
const DefaultStopTimeout = 10 * time.Second

type waitResult struct {
	waitErr error // The error returned by the wait function, if any
}

type waitState struct {
	waitable     Waitable        // The waitable that is being waited on
	waitEndedCh  chan struct{}   // A channel that gets closed when the wait ends
	waitResultCh chan waitResult // A channel that delivers the result of the wait
	waitEnded    time.Time       // The time when the wait function ended
	reason       waitReason      // The reason why are waiting on the process
}

type Waitable interface {
	Wait() error
}
type WaitFunc func() error

func (f WaitFunc) Wait() error {
	return f()
}

type OSExecutor struct {
	procsWaiting map[Pid_t]*waitState
	lock         sync.Locker
	log          logr.Logger
	stopTimeout  time.Duration
}

// Creates a new executor. A non-positive stopTimeout selects DefaultStopTimeout.
func NewOSExecutor(log logr.Logger, stopTimeout time.Duration) *OSExecutor {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &OSExecutor{
		procsWaiting: make(map[Pid_t]*waitState),
		lock:         &sync.Mutex{},
		log:          log.WithName("os-executor"),
		stopTimeout:  stopTimeout,
	}
}

func (e *OSExecutor) StopTimeout() time.Duration {
	return e.stopTimeout
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler) (ProcessHandle, func(), error) {
	if err := cmd.Start(); err != nil {
		return ProcessHandle{Pid: UnknownPID}, nil, err
	}

	handle := ProcessHandleFromCmd(cmd)
	pid := handle.Pid

	// Get the wait result channel, but do not actually start waiting
	// This also has the effect of tying the wait for this process to the command that started it.
	waitResultCh, _, _ := e.tryStartWaiting(pid, cmd, waitReasonNone)

	// Start the goroutine that waits for the context to expire.
	go func() {

		select {

		case wr := <-waitResultCh:
			// The process exited before the context expired.
			if handler != nil {
				exitCode, execError := getProcessExecResult(wr.waitErr, cmd)
				handler.OnProcessExited(pid, exitCode, execError)
			}

		case <-ctx.Done():
			_, _, shouldStopProcess := e.tryStartWaiting(pid, cmd, waitReasonStopping)
			var stopProcessErr error = nil

			if shouldStopProcess {
				stopProcessErr = e.stopProcessInternal(handle, optIsResponsibleForStopping)
				if stopProcessErr != nil {
					if handler != nil {
						// Let the caller know that the process did not stop upon context expiration
						handler.OnProcessExited(pid, UnknownExitCode, errors.Join(stopProcessErr, ctx.Err()))
					}

					// There is no point waiting for the result if the process could not be stopped and we reported the error.
					break
				}
			}

			wr := <-waitResultCh

			if handler != nil {
				exitCode, execError := getProcessExecResult(wr.waitErr, cmd)
				handler.OnProcessExited(pid, exitCode, errors.Join(stopProcessErr, execError, ctx.Err()))
			}
		}
	}()

	startWaitingForProcessExit := func() {
		_, _, _ = e.tryStartWaiting(pid, cmd, waitReasonMonitoring)
	}

	return handle, startWaitingForProcessExit, nil
}

// Atomically starts waiting on the passed waitable if nothing is already waiting in association with the process
// identified by PID. If the process is already being waited on, the reason is updated.
//
// Returns the channel that can be used to retrieve the wait result, the channel that signals the wait ended,
// and a boolean indicating whether the caller is the first one to indicate that the reason for the wait
// is "stopping the process", and thus IT is the caller that must stop the process.
func (e *OSExecutor) tryStartWaiting(pid Pid_t, waitable Waitable, reason waitReason) (<-chan waitResult, chan struct{}, bool) {
	doWait := func(ws *waitState) {
		err := ws.waitable.Wait()

		e.acquireLock()
		defer e.releaseLock()

		ws.waitEnded = time.Now()

		// There might be up to two different goroutines reading from the wait result channel:
		// the one that was started by StartProcess() and the one that was started by StopProcess().
		// We need to ensure that both of them are able get the result.
		ws.waitResultCh <- waitResult{waitErr: err}
		ws.waitResultCh <- waitResult{waitErr: err}
		close(ws.waitResultCh)
		close(ws.waitEndedCh)
	}

	e.acquireLock()
	defer e.releaseLock()

	ws, found := e.procsWaiting[pid]
	callerShouldStopProcess := false

	if found {
		if !ws.waitEnded.IsZero() {
			// The process has already exited, and we captured the wait result, there is no need to start waiting again,
			// or update anything.
			return ws.waitResultCh, ws.waitEndedCh, false
		}

		callerShouldStopProcess = (reason&waitReasonStopping) != 0 && (ws.reason&waitReasonStopping) == 0
		if ws.reason == waitReasonNone && reason != waitReasonNone {
			go doWait(ws)
		}
		ws.reason |= reason
	} else {
		callerShouldStopProcess = (reason & waitReasonStopping) != 0
		ws = &waitState{
			waitable:     waitable,
			waitResultCh: make(chan waitResult, 2),
			waitEndedCh:  make(chan struct{}),
			reason:       reason,
		}
		e.procsWaiting[pid] = ws
		if reason != waitReasonNone {
			go doWait(ws)
		}
	}

	return ws.waitResultCh, ws.waitEndedCh, callerShouldStopProcess
}

// Returns the process execution error and process exit code depending on the result of command wait call.
func getProcessExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	if waitErr == nil {
		return int32(cmd.ProcessState.ExitCode()), nil
	} else if errors.As(waitErr, &ee) {
		return int32(ee.ExitCode()), nil
	} else {
		return UnknownExitCode, waitErr
	}
}

func (e *OSExecutor) acquireLock() {
	const maxCompletedDuration = 1 * time.Minute

	e.lock.Lock()

	// Only keep wait states that correspond to processes that are still running, or the ones that completed recently
	for pid, ws := range e.procsWaiting {
		if !ws.waitEnded.IsZero() && time.Since(ws.waitEnded) >= maxCompletedDuration {
			delete(e.procsWaiting, pid)
		}
	}
}

func (e *OSExecutor) releaseLock() {
	e.lock.Unlock()
}

func (e *OSExecutor) StopProcess(handle ProcessHandle) error {
	return e.stopProcessInternal(handle, optNone)
}

func (e *OSExecutor) stopProcessInternal(handle ProcessHandle, opts processStoppingOpts) error {
	tree, err := GetProcessTree(handle)
	switch {
	case errors.Is(err, ErrorProcessNotFound):
		// The root is gone; still make sure the wait state (if any) gets resolved.
		tree = []ProcessHandle{handle}
	case err != nil:
		return fmt.Errorf("could not get process tree for process %d: %w", handle.Pid, err)
	}

	e.log.V(1).Info("stopping process tree", "root", handle.Pid, "tree", tree)

	// If the root process cannot be stopped, don't bother with the rest of the tree.
	stopErr := e.stopSingleProcess(handle, opts|optTrySignal)
	if stopErr != nil {
		e.log.Error(stopErr, "could not stop root process", "root", handle.Pid)
		return stopErr
	}

	children := tree[1:]
	if len(children) == 0 {
		return nil
	}

	childStoppingErrors := make([]error, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Retry stopping the child process as we occasionally see transient permission errors.
			const childStopTimeout = 2 * time.Second
			retryCtx, cancel := context.WithTimeout(context.Background(), childStopTimeout)
			defer cancel()
			childStoppingErrors[i] = resiliency.Retry(retryCtx, func() error {
				return e.killOrphan(child)
			})
		}()
	}
	wg.Wait()

	if joined := errors.Join(childStoppingErrors...); joined != nil {
		return fmt.Errorf("some children processes could not be stopped: %w", joined)
	}

	return nil
}

// Kills a process that is not a direct child of this process (and thus cannot be waited on).
func (e *OSExecutor) killOrphan(item ProcessHandle) error {
	proc, err := FindProcess(item.Pid, item.IdentityTime)
	if errors.Is(err, ErrorProcessNotFound) {
		return nil
	} else if err != nil {
		return resiliency.Permanent(err)
	}

	e.log.V(1).Info("killing child process", "pid", item.Pid)
	if killErr := proc.Kill(); killErr != nil && !IsEarlyProcessExitError(killErr) {
		return killErr
	}
	return nil
}

type processStoppingOpts uint16

const (
	optNone      processStoppingOpts = 0
	optTrySignal processStoppingOpts = 0x2

	// The caller is responsible for stopping the process, disregard "shouldStopProcess" value returned by tryStartWaiting().
	optIsResponsibleForStopping processStoppingOpts = 0x8
)

var _ Executor = (*OSExecutor)(nil)
