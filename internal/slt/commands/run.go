/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hil-tools/slt/internal/config"
	"github.com/hil-tools/slt/internal/runner"
	"github.com/hil-tools/slt/pkg/telemetry"
)

type runFlagData struct {
	configPath  string
	envFilePath string

	// Overrides; only applied when set on the command line.
	overrides config.RunConfig
}

func NewRunCommand(log logr.Logger) (*cobra.Command, error) {
	var flags runFlagData

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Programs the device, resets it and captures its serial output",
		Long: `Programs the device, resets it and captures its serial output.

Settings are taken from (in increasing order of precedence) built-in defaults,
the configuration file, SLT_* environment variables, and command line flags.`,
		RunE: runTest(log, &flags),
		Args: cobra.NoArgs,
	}

	addRunFlags(runCmd.Flags(), &flags)
	return runCmd, nil
}

func addRunFlags(fs *pflag.FlagSet, flags *runFlagData) {
	defaults := config.Default()
	o := &flags.overrides

	fs.StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML configuration file.")
	fs.StringVar(&flags.envFilePath, "env-file", "", "Path to a file with SLT_* environment variable assignments.")

	fs.StringVarP(&o.Platform, "platform", "p", defaults.Platform, "Platform identifier.")
	fs.StringVarP(&o.FirmwareImage, "firmware", "f", defaults.FirmwareImage, "Firmware image to program.")
	fs.StringVarP(&o.WorkingDirectory, "workdir", "w", defaults.WorkingDirectory, "Working directory for run artifacts. Created if it does not exist.")
	fs.StringVarP(&o.SerialPort, "serial-port", "s", defaults.SerialPort, "Serial port connected to the device console.")
	fs.UintVar(&o.BaudRate, "baud-rate", defaults.BaudRate, "Serial port baud rate.")
	fs.StringVar(&o.AdapterTable, "adapter-table", defaults.AdapterTable, "Path to the adapter table (platform;vid;pid).")
	fs.StringVar(&o.AdapterConfig, "adapter-config", defaults.AdapterConfig, "OpenOCD interface configuration file for the debug adapter.")
	fs.StringVar(&o.DaemonExecutable, "openocd", defaults.DaemonExecutable, "OpenOCD executable (looked up on PATH unless it contains a path separator).")
	fs.StringArrayVar(&o.DaemonArgs, "openocd-arg", nil, "Extra argument passed to OpenOCD before the generated ones. Can be repeated.")
	fs.StringVar(&o.DaemonHost, "openocd-host", defaults.DaemonHost, "Host of the OpenOCD control port.")
	fs.IntVar(&o.DaemonPort, "openocd-port", defaults.DaemonPort, "OpenOCD control port.")
	fs.DurationVar(&o.SettleDelay, "settle-delay", defaults.SettleDelay, "How long to wait for OpenOCD to start.")
	fs.DurationVar(&o.StopTimeout, "stop-timeout", defaults.StopTimeout, "How long OpenOCD gets to exit after a termination request before it is killed.")
	fs.DurationVar(&o.FlashTimeout, "flash-timeout", defaults.FlashTimeout, "How long programming and verification may take.")
	fs.DurationVar(&o.WriteTimeout, "write-timeout", defaults.WriteTimeout, "How long writing a command to OpenOCD may take.")
	fs.DurationVar(&o.ReadTimeout, "read-timeout", defaults.ReadTimeout, "How long to wait for each serial line.")
	fs.IntVarP(&o.LineCount, "lines", "n", defaults.LineCount, "Number of serial lines to capture (0 captures until interrupted).")
	fs.BoolVar(&o.SkipFlash, "skip-flash", defaults.SkipFlash, "Reset and capture without programming the device.")
	fs.BoolVar(&o.CheckAdapter, "check-adapter", defaults.CheckAdapter, "Verify the debug adapter is attached before launching OpenOCD.")
	fs.BoolVar(&o.CheckDaemon, "check-openocd", defaults.CheckDaemon, "Verify OpenOCD can be run before launching it.")
	fs.BoolVar(&o.ShutdownDaemon, "shutdown-openocd", defaults.ShutdownDaemon, "Ask OpenOCD to exit through its control port when the run completes.")
}

// Applies the flags that were explicitly set.
func applyRunFlags(fs *pflag.FlagSet, flags *runFlagData, cfg *config.RunConfig) {
	o := flags.overrides
	apply := map[string]func(){
		"platform":         func() { cfg.Platform = o.Platform },
		"firmware":         func() { cfg.FirmwareImage = o.FirmwareImage },
		"workdir":          func() { cfg.WorkingDirectory = o.WorkingDirectory },
		"serial-port":      func() { cfg.SerialPort = o.SerialPort },
		"baud-rate":        func() { cfg.BaudRate = o.BaudRate },
		"adapter-table":    func() { cfg.AdapterTable = o.AdapterTable },
		"adapter-config":   func() { cfg.AdapterConfig = o.AdapterConfig },
		"openocd":          func() { cfg.DaemonExecutable = o.DaemonExecutable },
		"openocd-arg":      func() { cfg.DaemonArgs = o.DaemonArgs },
		"openocd-host":     func() { cfg.DaemonHost = o.DaemonHost },
		"openocd-port":     func() { cfg.DaemonPort = o.DaemonPort },
		"settle-delay":     func() { cfg.SettleDelay = o.SettleDelay },
		"stop-timeout":     func() { cfg.StopTimeout = o.StopTimeout },
		"flash-timeout":    func() { cfg.FlashTimeout = o.FlashTimeout },
		"write-timeout":    func() { cfg.WriteTimeout = o.WriteTimeout },
		"read-timeout":     func() { cfg.ReadTimeout = o.ReadTimeout },
		"lines":            func() { cfg.LineCount = o.LineCount },
		"skip-flash":       func() { cfg.SkipFlash = o.SkipFlash },
		"check-adapter":    func() { cfg.CheckAdapter = o.CheckAdapter },
		"check-openocd":    func() { cfg.CheckDaemon = o.CheckDaemon },
		"shutdown-openocd": func() { cfg.ShutdownDaemon = o.ShutdownDaemon },
	}

	fs.Visit(func(f *pflag.Flag) {
		if fn, found := apply[f.Name]; found {
			fn()
		}
	})
}

// Resolves the effective configuration for a run command invocation.
func resolveRunConfig(fs *pflag.FlagSet, flags *runFlagData) (config.RunConfig, error) {
	cfg, err := config.Load(flags.configPath, flags.envFilePath)
	if err != nil {
		return cfg, err
	}

	applyRunFlags(fs, flags, &cfg)
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runTest(log logr.Logger, flags *runFlagData) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("run")

		cfg, err := resolveRunConfig(cmd.Flags(), flags)
		if err != nil {
			return err
		}

		ts, tsErr := telemetry.NewTelemetrySystem("slt-run")
		if tsErr != nil {
			log.Error(tsErr, "tracing is not available")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ts.Shutdown(shutdownCtx)
			}()
		}

		r := runner.New(cfg, log)
		result, runErr := r.Run(cmd.Context())

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run:       %s\n", result.RunID)
		fmt.Fprintf(out, "flashed:   %t\n", result.Flashed)
		fmt.Fprintf(out, "verified:  %t\n", result.Verified)
		fmt.Fprintf(out, "lines:     %d (%d timed out)\n", len(result.Lines), result.TimedOutReads)
		if result.SerialLogPath != "" {
			fmt.Fprintf(out, "serial log: %s\n", result.SerialLogPath)
		}

		return runErr
	}
}
