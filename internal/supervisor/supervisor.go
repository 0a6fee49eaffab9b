/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package supervisor manages the lifetime of the debug daemon process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/pkg/process"
)

// How long the daemon gets to initialize before it is considered started.
const DefaultSettleDelay = 2 * time.Second

// Handle refers to a launched daemon process.
type Handle struct {
	process.ProcessHandle

	exited   chan struct{}
	exitCode int32
	exitErr  error

	cleanupOnce sync.Once
	cleanupErr  error
	lock        sync.Mutex
}

// Exited returns a channel that is closed when the process exits.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// ExitCode returns the exit code of the process, or process.UnknownExitCode if it is still running
// (or was terminated by a signal).
func (h *Handle) ExitCode() int32 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.exitCode
}

func (h *Handle) onExited(_ process.Pid_t, exitCode int32, err error) {
	h.lock.Lock()
	h.exitCode = exitCode
	h.exitErr = err
	h.lock.Unlock()
	close(h.exited)
}

type Supervisor struct {
	executor    *process.OSExecutor
	log         logr.Logger
	settleDelay time.Duration
}

type Options struct {
	// How long to wait after launch before checking that the daemon is still running.
	SettleDelay time.Duration

	// How long the daemon gets to exit after SIGTERM before it is killed.
	StopTimeout time.Duration
}

func NewSupervisor(log logr.Logger, opts Options) *Supervisor {
	settleDelay := opts.SettleDelay
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}

	log = log.WithName("supervisor")
	return &Supervisor{
		executor:    process.NewOSExecutor(log, opts.StopTimeout),
		log:         log,
		settleDelay: settleDelay,
	}
}

// Launch starts the daemon and returns without waiting for it to initialize.
// The daemon output is discarded.
func (s *Supervisor) Launch(executablePath string, args []string) (*Handle, error) {
	resolved, lookErr := exec.LookPath(executablePath)
	if lookErr != nil {
		return nil, fmt.Errorf("could not find daemon executable '%s': %w", executablePath, errors.Join(faults.ErrDaemonStartup, lookErr))
	}

	cmd := exec.Command(resolved, args...)
	// Leaving Stdout and Stderr nil connects them to the null device.
	process.DecoupleFromParent(cmd)

	h := &Handle{
		exited:   make(chan struct{}),
		exitCode: process.UnknownExitCode,
	}

	// The daemon lifetime is controlled through Cleanup, not through a context.
	ph, startWaitForExit, startErr := s.executor.StartProcess(context.Background(), cmd, process.ProcessExitHandlerFunc(h.onExited))
	if startErr != nil {
		return nil, fmt.Errorf("could not start daemon '%s': %w", resolved, errors.Join(faults.ErrDaemonStartup, startErr))
	}
	h.ProcessHandle = ph
	startWaitForExit()

	s.log.Info("daemon launched", "executable", resolved, "args", args, "pid", ph.Pid)
	return h, nil
}

// How long the executable check may take.
const checkTimeout = 10 * time.Second

// CheckExecutable runs the daemon executable with the given arguments (typically --version)
// and verifies it exits successfully.
func (s *Supervisor) CheckExecutable(ctx context.Context, executablePath string, args ...string) error {
	resolved, lookErr := exec.LookPath(executablePath)
	if lookErr != nil {
		return fmt.Errorf("could not find daemon executable '%s': %w", executablePath, errors.Join(faults.ErrDaemonStartup, lookErr))
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	exitCode, runErr := process.RunWithTimeout(checkCtx, s.executor, exec.Command(resolved, args...))
	switch {
	case runErr != nil:
		return fmt.Errorf("daemon executable '%s' could not be run: %w", resolved, errors.Join(faults.ErrDaemonStartup, runErr))
	case exitCode != 0:
		return fmt.Errorf("daemon executable '%s' exited with code %d: %w", resolved, exitCode, faults.ErrDaemonStartup)
	}

	s.log.V(1).Info("daemon executable is usable", "executable", resolved)
	return nil
}

// IsAlive reports whether the daemon is still running.
func (s *Supervisor) IsAlive(h *Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return process.IsPresent(h.ProcessHandle)
	}
}

// AwaitStartup waits for the settle delay, then verifies the daemon is still running.
func (s *Supervisor) AwaitStartup(ctx context.Context, h *Handle) error {
	timer := time.NewTimer(s.settleDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for daemon startup interrupted: %w", ctx.Err())
	case <-h.exited:
		// No need to wait out the whole delay.
	case <-timer.C:
	}

	if !s.IsAlive(h) {
		h.lock.Lock()
		exitCode, exitErr := h.exitCode, h.exitErr
		h.lock.Unlock()
		s.log.Error(faults.ErrDaemonStartup, "daemon exited during startup", "pid", h.Pid, "exitCode", exitCode)
		return fmt.Errorf("daemon (pid %d) exited with code %d shortly after launch: %w", h.Pid, exitCode, errors.Join(faults.ErrDaemonStartup, exitErr))
	}

	s.log.V(1).Info("daemon started", "pid", h.Pid)
	return nil
}

// AwaitExit waits (up to timeout) for the daemon to exit on its own.
// Returns true if it did.
func (s *Supervisor) AwaitExit(ctx context.Context, h *Handle, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Cleanup terminates the daemon: a graceful stop request first, then a forced kill if the daemon
// does not exit within the stop timeout. Only the first call does anything; later calls
// return the result of the first one. A daemon that already exited is left alone.
func (s *Supervisor) Cleanup(h *Handle) error {
	if h == nil {
		return nil
	}

	h.cleanupOnce.Do(func() {
		if !s.IsAlive(h) {
			s.log.V(1).Info("daemon already exited, nothing to clean up", "pid", h.Pid)
			return
		}

		s.log.V(1).Info("stopping daemon", "pid", h.Pid, "stopTimeout", s.executor.StopTimeout().String())
		if stopErr := s.executor.StopProcess(h.ProcessHandle); stopErr != nil {
			h.cleanupErr = fmt.Errorf("could not stop daemon (pid %d): %w", h.Pid, errors.Join(faults.ErrCleanup, stopErr))
			s.log.Error(stopErr, "daemon could not be stopped", "pid", h.Pid)
			return
		}

		s.log.Info("daemon stopped", "pid", h.Pid)
	})

	return h.cleanupErr
}
