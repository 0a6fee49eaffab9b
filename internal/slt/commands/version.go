/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/hil-tools/slt/internal/version"
)

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information.`,
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}

	return versionCmd, nil
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("version")

		versionStr, err := versionString()
		if err != nil {
			log.Error(err, "could not serialize version information")
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), versionStr)
		return nil
	}
}

// LogVersion returns a hook that logs the program version and invocation details.
func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		versionString, err := versionString()
		if err != nil {
			versionString = fmt.Sprintf("unknown: %v", err)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"PID", os.Getpid(),
			"Exe", launchPath,
			"Args", os.Args[1:],
			"Version", versionString,
		)
	}
}

func versionString() (string, error) {
	if v, err := json.Marshal(version.Version()); err != nil {
		return "", err
	} else {
		return string(v), nil
	}
}
