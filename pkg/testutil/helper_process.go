/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

// Test binaries re-execute themselves to act as child processes (a fake debug daemon, a process that ignores SIGTERM etc.).
// The first argument selects the helper; remaining arguments are passed to it.
const helperArgPrefix = "-slt.helper="

type HelperFunc func(args []string) int

// Must be called from TestMain before m.Run(). If the test binary was started as a helper process,
// runs the requested helper and exits; otherwise returns immediately.
func RunHelperProcessIfRequested(helpers map[string]HelperFunc) {
	if len(os.Args) < 2 || !strings.HasPrefix(os.Args[1], helperArgPrefix) {
		return
	}

	name := strings.TrimPrefix(os.Args[1], helperArgPrefix)
	helper, found := helpers[name]
	if !found {
		fmt.Fprintf(os.Stderr, "unknown helper process '%s'\n", name)
		os.Exit(2)
	}

	os.Exit(helper(os.Args[2:]))
}

// Returns the executable and arguments that start the named helper process.
func HelperProcess(name string, args ...string) (string, []string) {
	return os.Args[0], append([]string{helperArgPrefix + name}, args...)
}

// Helper process that sleeps for a while, then exits with a given exit code.
// Flags: --delay (duration), --exit-code (int), --ignore-sigterm.
func DelayHelper(args []string) int {
	fs := pflag.NewFlagSet("delay", pflag.ContinueOnError)
	delay := fs.Duration("delay", 10*time.Second, "How long to run")
	exitCode := fs.Int("exit-code", 0, "Exit code to return")
	ignoreSigterm := fs.Bool("ignore-sigterm", false, "Whether to ignore SIGTERM")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	if *ignoreSigterm {
		signal.Ignore(syscall.SIGTERM)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *delay)
	defer cancel()
	<-ctx.Done()

	return *exitCode
}
