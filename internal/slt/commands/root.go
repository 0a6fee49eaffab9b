/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/pkg/logger"
)

const (
	ExitSuccess       = 0
	ExitRunFailed     = 1
	ExitSetup         = 2
	ExitPanic         = 3
	ExitCleanupFailed = 4
)

// ErrUsage marks invalid command line usage.
var ErrUsage = errors.New("invalid usage")

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "slt",
		Short: "Runs system-level tests on physical devices",
		Long: `slt is a hardware-in-the-loop test harness.

	It programs firmware onto a microcontroller through an OpenOCD debug probe,
	resets the device and captures its serial console output.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRun:  LogVersion(log.Logger, "slt started"),
		PersistentPostRun: func(_ *cobra.Command, _ []string) { log.Flush() },
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Join(ErrUsage, err)
	})
	log.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewRunCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'run' command: %w", err)
	}

	if cmd, err = NewAdapterCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'adapter' command: %w", err)
	}

	if cmd, err = NewPlatformsCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'platforms' command: %w", err)
	}

	if cmd, err = NewVersionCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	}

	return rootCmd, nil
}

// ExitCode maps the outcome of a command to the process exit code.
// An interrupted run that cleaned up after itself is not a failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, faults.ErrCleanup):
		return ExitCleanupFailed
	case errors.Is(err, context.Canceled):
		return ExitSuccess
	case errors.Is(err, ErrUsage) || faults.IsConfigError(err):
		return ExitSetup
	default:
		return ExitRunFailed
	}
}

// ErrorExit reports the error and terminates the process with the given exit code.
func ErrorExit(log *logger.Logger, err error, code int) {
	if code != ExitSuccess {
		log.Error(err, "slt failed", "kind", faults.KindOf(err))
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
	}
	log.Flush()
	os.Exit(code)
}
