/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package serialmon

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/pkg/testutil"
)

const testPollInterval = 20 * time.Millisecond

func lineStrings(lines []Line) []string {
	retval := make([]string, len(lines))
	for i, l := range lines {
		retval[i] = string(l.Data)
	}
	return retval
}

func TestCaptureSplitsOnCRLF(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	port := testutil.NewScriptedPort(testPollInterval)
	port.AddChunks("boot", "ing\r", "\nline2\r\nline", "3\r\nextra")

	lines, err := Capture(ctx, port, 3, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"booting", "line2", "line3"}, lineStrings(lines))
	for _, l := range lines {
		require.False(t, l.TimedOut)
	}
}

func TestBareLineFeedDoesNotEndLine(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	port := testutil.NewScriptedPort(testPollInterval)
	port.AddChunks("first\nstill first\r\n", "\r\n")

	lines, err := Capture(ctx, port, 2, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"first\nstill first", ""}, lineStrings(lines))
}

func TestPartialLineIsDeliveredOnTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	port := testutil.NewScriptedPort(testPollInterval)
	port.AddChunks("partial")

	start := time.Now()
	lines, err := Capture(ctx, port, 2, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)

	require.Equal(t, "partial", string(lines[0].Data))
	require.True(t, lines[0].TimedOut)
	require.Empty(t, lines[1].Data)
	require.True(t, lines[1].TimedOut)
}

func TestPortErrorEndsReading(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	port := testutil.NewScriptedPort(testPollInterval)
	failure := errors.New("device unplugged")
	port.AddChunks("one\r\ntw")
	port.AddError(failure)

	var received []Line
	for l := range ReadLines(ctx, port, 5, 5*time.Second) {
		received = append(received, l)
	}

	require.Len(t, received, 2)
	require.Equal(t, "one", string(received[0].Data))
	require.NoError(t, received[0].Err)
	require.Equal(t, "tw", string(received[1].Data))
	require.ErrorIs(t, received[1].Err, failure)

	port2 := testutil.NewScriptedPort(testPollInterval)
	port2.AddError(failure)
	lines, err := Capture(ctx, port2, 5, 5*time.Second)
	require.ErrorIs(t, err, failure)
	require.Empty(t, lines)
}

// Reads from a device that has gone away: every read returns immediately with no data.
type hungUpPort struct {
	reads atomic.Int64
}

func (p *hungUpPort) Read(_ []byte) (int, error) {
	p.reads.Add(1)
	return 0, io.EOF
}

func TestHungUpPortEndsReading(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	port := &hungUpPort{}
	start := time.Now()
	lines, err := Capture(ctx, port, 3, 5*time.Second)
	require.ErrorIs(t, err, ErrHangup)
	require.Empty(t, lines, "a hung up port should not be reported as timed out lines")
	require.Less(t, time.Since(start), time.Second)
	require.GreaterOrEqual(t, port.reads.Load(), int64(hangupEmptyReads))
	require.Less(t, port.reads.Load(), int64(1000), "empty reads should not be retried in a tight loop")
}

func TestReadLinesStopsWhenContextIsDone(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	port := testutil.NewScriptedPort(testPollInterval)
	port.AddChunks("a\r\n", "b\r\n")

	readCtx, readCancel := context.WithCancel(ctx)
	lines := ReadLines(readCtx, port, 0, time.Minute)

	require.Equal(t, "a", string((<-lines).Data))
	require.Equal(t, "b", string((<-lines).Data))
	readCancel()

	select {
	case _, open := <-lines:
		require.False(t, open, "no more lines should be delivered after cancellation")
	case <-ctx.Done():
		t.Fatal("line channel was not closed after cancellation")
	}
}

func TestOpenFailuresAreSerialUnavailable(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	require.ErrorIs(t, err, faults.ErrSerialUnavailable)

	_, err = Open(Config{Path: filepath.Join(t.TempDir(), "ttyNOPE")})
	require.ErrorIs(t, err, faults.ErrSerialUnavailable)

	openerErr := errors.New("busy")
	_, err = Open(Config{
		Path:   "/dev/ttyTEST",
		Opener: func(Config) (Port, error) { return nil, openerErr },
	})
	require.ErrorIs(t, err, faults.ErrSerialUnavailable)
	require.ErrorIs(t, err, openerErr)
}

func TestOpenUsesOpenerWithDefaults(t *testing.T) {
	t.Parallel()

	scripted := testutil.NewScriptedPort(testPollInterval)
	var seen Config
	port, err := Open(Config{
		Path: "/dev/ttyTEST",
		Opener: func(cfg Config) (Port, error) {
			seen = cfg
			return scripted, nil
		},
	})
	require.NoError(t, err)
	require.Same(t, scripted, port)
	require.Equal(t, uint(DefaultBaudRate), seen.BaudRate)
	require.Equal(t, "/dev/ttyTEST", seen.Path)
}
