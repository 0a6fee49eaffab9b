/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScriptedPortServesChunksThenTimesOut(t *testing.T) {
	t.Parallel()

	port := NewScriptedPort(20 * time.Millisecond)
	port.AddChunks("hello", "world")

	buf := make([]byte, 3)
	n, err := port.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hel", string(buf[:n]))

	n, err = port.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "lo", string(buf[:n]))

	n, err = port.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "wor", string(buf[:n]))

	_, _ = port.Read(buf)

	n, err = port.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestScriptedPortErrorsAndClose(t *testing.T) {
	t.Parallel()

	port := NewScriptedPort(time.Second)
	failure := errors.New("device unplugged")
	port.AddError(failure)

	_, err := port.Read(make([]byte, 8))
	require.ErrorIs(t, err, failure)

	_, err = port.Write([]byte("AT\r\n"))
	require.NoError(t, err)
	require.Equal(t, "AT\r\n", string(port.Written()))

	require.NoError(t, port.Close())
	require.NoError(t, port.Close())
	require.True(t, port.IsClosed())

	_, err = port.Read(make([]byte, 8))
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestBufferWriterTracksChunks(t *testing.T) {
	t.Parallel()

	bw := NewBufferWriter(64)
	_, err := bw.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = bw.Write([]byte("de"))
	require.NoError(t, err)

	require.Equal(t, "abcde", string(bw.Bytes()))
	require.Equal(t, 2, bw.ChunksLen())
	require.Equal(t, 3, bw.Chunks()[1].Offset)

	require.NoError(t, bw.Close())
	_, err = bw.Write([]byte("f"))
	require.ErrorIs(t, err, io.ErrShortWrite)
}
