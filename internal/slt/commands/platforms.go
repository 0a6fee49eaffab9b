/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/hil-tools/slt/internal/platform"
)

func NewPlatformsCommand(log logr.Logger) (*cobra.Command, error) {
	platformsCmd := &cobra.Command{
		Use:   "platforms",
		Short: "Lists supported platforms",
		Long: `Lists the platform identifiers that have a driver.
Each of them also needs an entry in the adapter table to be usable.`,
		RunE: listPlatforms(log),
		Args: cobra.NoArgs,
	}

	return platformsCmd, nil
}

func listPlatforms(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		known := platform.Known()
		log.WithName("platforms").V(1).Info("listing platforms", "count", len(known))

		for _, id := range known {
			driver, err := platform.New(id, platform.Options{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, strings.Join(driver.LaunchArgs(), " "))
		}
		return nil
	}
}
