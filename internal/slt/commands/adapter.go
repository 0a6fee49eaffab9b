/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/hil-tools/slt/internal/adapters"
	"github.com/hil-tools/slt/internal/config"
)

type adapterFlagData struct {
	tablePath   string
	checkAttach bool
}

func NewAdapterCommand(log logr.Logger) (*cobra.Command, error) {
	adapterCmd := &cobra.Command{
		Use:   "adapter",
		Short: "Inspects debug adapter configuration",
		Args:  cobra.NoArgs,
	}

	var flags adapterFlagData
	lookupCmd := &cobra.Command{
		Use:   "lookup <platform>",
		Short: "Prints the USB vendor and product id of the debug adapter used for a platform",
		Long: `Prints the USB vendor and product id of the debug adapter used for a platform,
as found in the adapter table.`,
		RunE: lookupAdapter(log, &flags),
		Args: cobra.ExactArgs(1),
	}
	lookupCmd.Flags().StringVarP(&flags.tablePath, "adapter-table", "t", config.DefaultAdapterTable, "Path to the adapter table (platform;vid;pid).")
	lookupCmd.Flags().BoolVar(&flags.checkAttach, "check-attached", false, "Also report whether the adapter is currently attached.")

	adapterCmd.AddCommand(lookupCmd)
	return adapterCmd, nil
}

func lookupAdapter(log logr.Logger, flags *adapterFlagData) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("adapter")
		platformID := args[0]

		id, err := adapters.Lookup(platformID, flags.tablePath)
		if err != nil {
			log.Error(err, "adapter lookup failed", "platform", platformID, "table", flags.tablePath)
			return err
		}

		if !flags.checkAttach {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id.VID(), id.PID())
			return nil
		}

		attached, attachedErr := adapters.IsAttached(id)
		if attachedErr != nil {
			return fmt.Errorf("could not determine whether adapter %s is attached: %w", id, attachedErr)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s attached=%t\n", id.VID(), id.PID(), attached)
		return nil
	}
}
