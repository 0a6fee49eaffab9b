/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build linux

package runner

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"
	wait "k8s.io/apimachinery/pkg/util/wait"

	"github.com/hil-tools/slt/pkg/testutil"
)

// End-to-end run with a pseudo-terminal standing in for the device serial port.
// The "device" only starts talking once it has been reset.
func TestRunWithPseudoTerminalDevice(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 60*time.Second)
	defer cancel()

	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer tty.Close()
	_, err = term.MakeRaw(int(tty.Fd()))
	require.NoError(t, err)

	env := newTestEnv(t)
	env.cfg.SerialPort = tty.Name()
	env.cfg.LineCount = 2
	env.cfg.ReadTimeout = 5 * time.Second

	deviceErr := make(chan error, 1)
	go func() {
		pollErr := wait.PollUntilContextCancel(ctx, 50*time.Millisecond, true, func(_ context.Context) (bool, error) {
			return slices.Contains(env.commands(), "reset"), nil
		})
		if pollErr != nil {
			deviceErr <- pollErr
			return
		}
		_, writeErr := ptmx.Write([]byte("libtropic boot\r\nSLT: all tests passed\r\n"))
		deviceErr <- writeErr
	}()

	r := New(env.cfg, testutil.NewLogForTesting(t.Name()))
	result, err := r.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, <-deviceErr)

	require.True(t, result.Verified)
	require.Equal(t, 0, result.TimedOutReads)
	require.Len(t, result.Lines, 2)
	require.Equal(t, []string{"libtropic boot", "SLT: all tests passed"}, []string{string(result.Lines[0]), string(result.Lines[1])})

	env.requireDaemonGone(t)
}
