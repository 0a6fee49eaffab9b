/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hil-tools/slt/internal/slt/commands"
	"github.com/hil-tools/slt/pkg/logger"
	"github.com/hil-tools/slt/pkg/osutil"
	"github.com/hil-tools/slt/pkg/resiliency"
)

func main() {
	log := logger.New("slt")

	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			os.Stderr.WriteString(panicErr.Error() + string(osutil.LineSep()))
			log.Flush()
			os.Exit(commands.ExitPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := commands.NewRootCmd(log)
	if err != nil {
		commands.ErrorExit(log, err, commands.ExitSetup)
	}

	err = root.ExecuteContext(ctx)
	if ctx.Err() != nil && err != nil {
		log.Info("Interrupted.")
	}
	stop()
	commands.ErrorExit(log, err, commands.ExitCode(err))
}
