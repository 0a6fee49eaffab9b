/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build linux

package serialmon

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/pkg/testutil"
)

// Exercises the real serial device path using a pseudo-terminal in place of the USB serial adapter.
func TestCaptureFromPseudoTerminal(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer tty.Close()

	_, err = term.MakeRaw(int(tty.Fd()))
	require.NoError(t, err)

	port, err := Open(Config{Path: tty.Name()})
	require.NoError(t, err)
	defer port.Close()

	_, err = ptmx.Write([]byte("U-Boot 2024.01\r\nBooting kernel\r\nlogin: "))
	require.NoError(t, err)

	lines, err := Capture(ctx, port, 3, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []string{"U-Boot 2024.01", "Booting kernel", "login: "}, lineStrings(lines))
	require.False(t, lines[0].TimedOut)
	require.False(t, lines[1].TimedOut)
	require.True(t, lines[2].TimedOut)
}

func TestOpenClaimsDeviceExclusively(t *testing.T) {
	t.Parallel()

	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer tty.Close()

	first, err := Open(Config{Path: tty.Name()})
	require.NoError(t, err)

	_, err = Open(Config{Path: tty.Name()})
	require.ErrorIs(t, err, faults.ErrSerialUnavailable)
	require.ErrorIs(t, err, ErrPortBusy)

	require.NoError(t, first.Close())

	again, err := Open(Config{Path: tty.Name()})
	require.NoError(t, err, "the device should be available again once the first holder closed it")
	require.NoError(t, again.Close())
}

// Closing the master side hangs up the terminal, like unplugging a USB serial adapter.
func TestCaptureReportsHungUpDevice(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer tty.Close()

	_, err = term.MakeRaw(int(tty.Fd()))
	require.NoError(t, err)

	port, err := Open(Config{Path: tty.Name()})
	require.NoError(t, err)
	defer port.Close()

	require.NoError(t, ptmx.Close())

	start := time.Now()
	lines, err := Capture(ctx, port, 2, 5*time.Second)
	require.ErrorIs(t, err, ErrHangup)
	require.Empty(t, lines)
	require.Less(t, time.Since(start), 5*time.Second, "the hang up should be detected before the first line times out")
}
