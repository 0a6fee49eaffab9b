/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package runner executes a system-level test run: it programs the device through the debug daemon,
// resets it, and captures its console output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/hil-tools/slt/internal/adapters"
	"github.com/hil-tools/slt/internal/config"
	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/internal/lockfile"
	"github.com/hil-tools/slt/internal/ocd"
	"github.com/hil-tools/slt/internal/platform"
	"github.com/hil-tools/slt/internal/serialmon"
	"github.com/hil-tools/slt/internal/supervisor"
	"github.com/hil-tools/slt/pkg/osutil"
	"github.com/hil-tools/slt/pkg/resiliency"
	"github.com/hil-tools/slt/pkg/telemetry"
)

const (
	// Name of the lock file claimed in the working directory for the duration of a run.
	RunLockFileName = "slt.lock"

	runLockTimeout = 2 * time.Second
)

// TestRun identifies one invocation of the runner.
type TestRun struct {
	RunID             uuid.UUID
	WorkingDirectory  string
	FirmwareImagePath string
	SerialPortPath    string
}

type Result struct {
	RunID uuid.UUID

	// The firmware was programmed (the program command completed).
	Flashed bool

	// The daemon reported successful verification of the programmed image.
	Verified bool

	// Captured serial lines, without line terminators.
	Lines [][]byte

	// Number of captured lines that did not complete within the per-read timeout.
	TimedOutReads int

	// File with the captured serial output.
	SerialLogPath string
}

type Runner struct {
	cfg        config.RunConfig
	run        TestRun
	log        logr.Logger
	supervisor *supervisor.Supervisor
	opener     serialmon.Opener
	tracer     trace.Tracer
}

type Option func(*Runner)

// WithSerialOpener replaces the function used to open the serial port.
func WithSerialOpener(opener serialmon.Opener) Option {
	return func(r *Runner) {
		r.opener = opener
	}
}

func New(cfg config.RunConfig, log logr.Logger, opts ...Option) *Runner {
	run := TestRun{
		RunID:             uuid.New(),
		WorkingDirectory:  cfg.WorkingDirectory,
		FirmwareImagePath: cfg.FirmwareImage,
		SerialPortPath:    cfg.SerialPort,
	}

	log = log.WithName("runner").WithValues("runID", run.RunID.String())
	r := &Runner{
		cfg: cfg,
		run: run,
		log: log,
		supervisor: supervisor.NewSupervisor(log, supervisor.Options{
			SettleDelay: cfg.SettleDelay,
			StopTimeout: cfg.StopTimeout,
		}),
		tracer: telemetry.GetTracer("runner"),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) TestRun() TestRun {
	return r.run
}

// Run performs the test run. The debug daemon is terminated before Run returns, whatever the outcome.
// Cancelling the context interrupts any wait in progress and stops the daemon right away.
func (r *Runner) Run(ctx context.Context) (result Result, err error) {
	result.RunID = r.run.RunID
	log := r.log
	started := time.Now()

	ctx, span := r.tracer.Start(ctx, "run")
	defer span.End()

	var daemon *supervisor.Handle
	var runLock *lockfile.Lockfile

	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), log); panicErr != nil {
			err = errors.Join(err, fmt.Errorf("test run failed unexpectedly: %w", panicErr))
		}

		if daemon != nil {
			log.Info("Cleaning up.")
			err = errors.Join(err, r.supervisor.Cleanup(daemon))
		}

		// Released only after the daemon is gone.
		if runLock != nil {
			if closeErr := runLock.Close(); closeErr != nil {
				log.V(1).Info("could not release run lock", "path", runLock.Path(), "error", closeErr.Error())
			}
		}

		if err != nil {
			span.RecordError(err)
			log.Error(err, "test run failed", "kind", faults.KindOf(err), "duration", osutil.FormatDuration(time.Since(started)))
		} else {
			log.Info("test run completed",
				"flashed", result.Flashed,
				"verified", result.Verified,
				"lines", len(result.Lines),
				"timedOutReads", result.TimedOutReads,
				"duration", osutil.FormatDuration(time.Since(started)),
			)
		}
	}()

	if err = r.cfg.Validate(); err != nil {
		return result, err
	}

	// Configuration-time steps; nothing is launched if any of them fails.

	var adapterID adapters.AdapterID
	err = telemetry.CallWithTelemetryNoResult(r.tracer, "lookup-adapter", ctx, func(ctx context.Context) error {
		var lookupErr error
		adapterID, lookupErr = adapters.Lookup(r.cfg.Platform, r.cfg.AdapterTable)
		telemetry.SetAttribute(ctx, "adapter", adapterID.String())
		return lookupErr
	})
	if err != nil {
		return result, err
	}
	log.V(1).Info("debug adapter resolved", "platform", r.cfg.Platform, "adapter", adapterID.String())

	driver, driverErr := platform.New(r.cfg.Platform, platform.Options{
		FlashTimeout: r.cfg.FlashTimeout,
		WriteTimeout: r.cfg.WriteTimeout,
		Log:          log.WithName(r.cfg.Platform),
	})
	if driverErr != nil {
		return result, driverErr
	}

	if err = r.preflight(ctx, adapterID); err != nil {
		return result, err
	}

	log.Info("Preparing environment...", "workingDirectory", r.run.WorkingDirectory)
	if err = osutil.EnsureDir(r.run.WorkingDirectory, osutil.PermissionOnlyOwnerReadWriteSetCurrent); err != nil {
		return result, fmt.Errorf("could not create working directory '%s': %w", r.run.WorkingDirectory, err)
	}

	if runLock, err = r.lockWorkingDirectory(ctx); err != nil {
		return result, err
	}

	// From here on, everything converges on cleanup.

	err = telemetry.CallWithTelemetryNoResult(r.tracer, "launch-daemon", ctx, func(ctx context.Context) error {
		log.Info("Launching OpenOCD...")
		var launchErr error
		daemon, launchErr = r.supervisor.Launch(r.cfg.DaemonExecutable, r.daemonArgs(adapterID, driver))
		return launchErr
	})
	if err != nil {
		return result, err
	}

	stopCleanupOnInterrupt := context.AfterFunc(ctx, func() {
		log.Info("Received termination request, stopping OpenOCD...")
		_ = r.supervisor.Cleanup(daemon)
	})
	defer stopCleanupOnInterrupt()

	err = telemetry.CallWithTelemetryNoResult(r.tracer, "await-daemon-startup", ctx, func(ctx context.Context) error {
		return r.supervisor.AwaitStartup(ctx, daemon)
	})
	if err != nil {
		log.Info("Error starting OpenOCD. Check if computer-adapter-platform connection is functional or if OpenOCD is not already running.")
		return result, err
	}

	var session *ocd.Session
	err = telemetry.CallWithTelemetryNoResult(r.tracer, "connect", ctx, func(ctx context.Context) error {
		log.Info("Opening connection to OpenOCD...")
		var connectErr error
		session, connectErr = ocd.Connect(ctx, r.cfg.DaemonHost, r.cfg.DaemonPort, log)
		return connectErr
	})
	if err != nil {
		return result, err
	}
	defer r.disconnect(session)

	if err = driver.Bind(session); err != nil {
		return result, err
	}
	defer driver.Unbind()

	if r.cfg.SkipFlash {
		log.Info("Skipping firmware programming")
	} else {
		err = telemetry.CallWithTelemetryNoResult(r.tracer, "flash", ctx, func(ctx context.Context) error {
			return driver.Flash(ctx, r.run.FirmwareImagePath)
		})
		result.Verified = session.State() == ocd.StateVerified
		if err != nil {
			if faults.IsTimeoutError(err) {
				log.Error(err, "Communication with OpenOCD timed out while loading firmware!")
			}
			return result, err
		}
		result.Flashed = true
	}

	if err = r.captureAfterReset(ctx, driver, &result); err != nil {
		return result, err
	}

	if r.cfg.ShutdownDaemon {
		r.shutdownDaemon(ctx, session, daemon)
	}

	return result, nil
}

// Claims the working directory so that two runs never drive the same hardware at once.
func (r *Runner) lockWorkingDirectory(ctx context.Context) (*lockfile.Lockfile, error) {
	lockPath, absErr := filepath.Abs(filepath.Join(r.run.WorkingDirectory, RunLockFileName))
	if absErr != nil {
		return nil, absErr
	}

	runLock, err := lockfile.NewLockfile(lockPath)
	if err != nil {
		return nil, err
	}

	owner := fmt.Sprintf("%d %s\n", os.Getpid(), r.run.RunID)
	if err = runLock.Lock(ctx, runLockTimeout, owner); err != nil {
		return nil, fmt.Errorf("another test run is using working directory '%s': %w", r.run.WorkingDirectory, errors.Join(faults.ErrDaemonStartup, err))
	}
	return runLock, nil
}

// Checks that are only done when enabled in the configuration.
func (r *Runner) preflight(ctx context.Context, adapterID adapters.AdapterID) error {
	if r.cfg.CheckAdapter {
		attached, attachedErr := adapters.IsAttached(adapterID)
		if attachedErr != nil {
			return fmt.Errorf("could not determine whether debug adapter %s is attached: %w", adapterID, errors.Join(faults.ErrDaemonStartup, attachedErr))
		}
		if !attached {
			return fmt.Errorf("debug adapter %s is not attached: %w", adapterID, faults.ErrDaemonStartup)
		}
	}

	if r.cfg.CheckDaemon {
		return telemetry.CallWithTelemetryNoResult(r.tracer, "check-daemon", ctx, func(ctx context.Context) error {
			return r.supervisor.CheckExecutable(ctx, r.cfg.DaemonExecutable, append(slices.Clone(r.cfg.DaemonArgs), "--version")...)
		})
	}

	return nil
}

func (r *Runner) daemonArgs(adapterID adapters.AdapterID, driver platform.Driver) []string {
	args := append([]string{}, r.cfg.DaemonArgs...)
	args = append(args,
		"-f", r.cfg.AdapterConfig,
		"-c", fmt.Sprintf("ftdi vid_pid %s %s", adapterID.VID(), adapterID.PID()),
	)
	return append(args, driver.LaunchArgs()...)
}

// Opens the serial port, resets the device and captures its output.
// The port is opened before the reset so that no output is lost; it is closed before returning.
func (r *Runner) captureAfterReset(ctx context.Context, driver platform.Driver, result *Result) (err error) {
	var port serialmon.Port
	err = telemetry.CallWithTelemetryNoResult(r.tracer, "open-serial", ctx, func(_ context.Context) error {
		var openErr error
		port, openErr = serialmon.Open(serialmon.Config{
			Path:     r.run.SerialPortPath,
			BaudRate: r.cfg.BaudRate,
			Opener:   r.opener,
		})
		return openErr
	})
	if err != nil {
		r.log.Error(err, "Platform serial interface communication error")
		return err
	}
	defer func() {
		if closeErr := port.Close(); closeErr != nil {
			r.log.V(1).Info("could not close serial port", "error", closeErr.Error())
		}
	}()

	serialLogPath := filepath.Join(r.run.WorkingDirectory, r.run.RunID.String()+"-serial.log")
	serialLog, createErr := os.OpenFile(serialLogPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, osutil.PermissionOwnerReadWriteOthersRead)
	if createErr != nil {
		return fmt.Errorf("could not create serial log file '%s': %w", serialLogPath, createErr)
	}
	defer serialLog.Close()
	result.SerialLogPath = serialLogPath

	err = telemetry.CallWithTelemetryNoResult(r.tracer, "reset", ctx, func(ctx context.Context) error {
		return driver.Reset(ctx)
	})
	if err != nil {
		return err
	}

	return telemetry.CallWithTelemetryNoResult(r.tracer, "capture", ctx, func(ctx context.Context) error {
		for line := range serialmon.ReadLines(ctx, port, r.cfg.LineCount, r.cfg.ReadTimeout) {
			if line.Err != nil {
				r.log.Error(line.Err, "Platform serial interface communication error")
				return fmt.Errorf("reading serial output failed: %w", errors.Join(faults.ErrSerialUnavailable, line.Err))
			}

			r.log.Info("platform", "line", string(line.Data), "timedOut", line.TimedOut)
			result.Lines = append(result.Lines, line.Data)
			if line.TimedOut {
				result.TimedOutReads++
			}
			if _, writeErr := fmt.Fprintf(serialLog, "%s%s", line.Data, osutil.LineSep()); writeErr != nil {
				return fmt.Errorf("could not write serial log file '%s': %w", serialLogPath, writeErr)
			}
		}

		telemetry.SetAttribute(ctx, "lines", len(result.Lines))
		telemetry.SetAttribute(ctx, "timedOutReads", result.TimedOutReads)
		if ctx.Err() != nil {
			return fmt.Errorf("serial capture interrupted: %w", ctx.Err())
		}
		return nil
	})
}

// Asks the daemon to exit on its own. Failures are not fatal, the daemon is terminated during cleanup anyway.
func (r *Runner) shutdownDaemon(ctx context.Context, session *ocd.Session, daemon *supervisor.Handle) {
	_ = telemetry.CallWithTelemetryNoResult(r.tracer, "shutdown-daemon", ctx, func(ctx context.Context) error {
		if sendErr := session.Send(ctx, "shutdown", r.cfg.WriteTimeout); sendErr != nil {
			r.log.V(1).Info("shutdown command could not be sent", "error", sendErr.Error())
			return sendErr
		}
		r.disconnect(session)

		if !r.supervisor.AwaitExit(ctx, daemon, r.cfg.ShutdownTimeout) {
			r.log.V(1).Info("daemon did not exit after shutdown command", "pid", daemon.Pid)
		}
		return nil
	})
}

func (r *Runner) disconnect(session *ocd.Session) {
	if session == nil || session.State() == ocd.StateDisconnected {
		return
	}

	r.log.Info("Disconnecting from OpenOCD...")
	if err := session.Disconnect(); err != nil {
		r.log.V(1).Info("error while disconnecting from OpenOCD", "error", err.Error())
	}
}
