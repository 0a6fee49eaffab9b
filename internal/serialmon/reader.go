/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package serialmon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/hil-tools/slt/pkg/osutil"
)

const (
	readBufferSize = 4096

	// An empty read that returns sooner than this did not wait for data.
	hangupReadDuration = pollInterval / 10

	// Consecutive empty reads that did not wait for data before the port is considered hung up.
	hangupEmptyReads = 5
)

// Line is one slot of captured console output.
type Line struct {
	// Line contents without the CRLF terminator. For a timed out slot, whatever arrived before the timeout.
	Data []byte

	// True if no CRLF arrived within the per-read timeout.
	TimedOut bool

	// Set when the port failed. It is the last value delivered.
	Err error
}

type chunk struct {
	data []byte
	err  error
}

// ReadLines reads CRLF-terminated lines from the port on a separate goroutine.
// At most count lines are delivered (count <= 0 means until the context is done or the port fails).
// Every line slot gets perReadTimeout to complete; when it elapses, the bytes received so far are
// delivered with TimedOut set and the next slot starts empty. A bare LF does not end a line.
// The returned channel is closed when reading stops.
func ReadLines(ctx context.Context, port io.Reader, count int, perReadTimeout time.Duration) <-chan Line {
	if perReadTimeout <= 0 {
		perReadTimeout = DefaultPerReadTimeout
	}

	out := make(chan Line)

	go func() {
		defer close(out)

		readerCtx, cancelReader := context.WithCancel(ctx)
		defer cancelReader()
		chunks := readChunks(readerCtx, port)

		var buf []byte
		for delivered := 0; count <= 0 || delivered < count; delivered++ {
			var line Line
			line, buf = nextLine(ctx, chunks, buf, perReadTimeout)
			if line.Err != nil && ctx.Err() != nil {
				return
			}

			select {
			case out <- line:
			case <-ctx.Done():
				return
			}

			if line.Err != nil {
				return
			}
		}
	}()

	return out
}

// Waits for the next complete line in buf plus whatever arrives on chunks. Returns the line and the leftover bytes.
func nextLine(ctx context.Context, chunks <-chan chunk, buf []byte, timeout time.Duration) (Line, []byte) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if idx := bytes.Index(buf, osutil.CRLF()); idx >= 0 {
			return Line{Data: bytes.Clone(buf[:idx])}, buf[idx+len(osutil.CRLF()):]
		}

		select {
		case c, ok := <-chunks:
			if !ok {
				return Line{Data: buf, Err: io.ErrClosedPipe}, nil
			}
			if c.err != nil {
				return Line{Data: buf, Err: c.err}, nil
			}
			buf = append(buf, c.data...)

		case <-timer.C:
			return Line{Data: buf, TimedOut: true}, nil

		case <-ctx.Done():
			return Line{Data: buf, Err: ctx.Err()}, nil
		}
	}
}

// The only goroutine that calls Read on the port.
// An empty read (a serial read timeout) is not an error; reading continues until ctx is done or the port fails.
// A device that hung up returns empty reads immediately; a run of those is reported as ErrHangup.
func readChunks(ctx context.Context, port io.Reader) <-chan chunk {
	chunks := make(chan chunk, 16)

	go func() {
		defer close(chunks)

		fastEmptyReads := 0
		for ctx.Err() == nil {
			buf := make([]byte, readBufferSize)
			started := time.Now()
			n, err := port.Read(buf)

			if n > 0 {
				fastEmptyReads = 0
				select {
				case chunks <- chunk{data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}

			if errors.Is(err, io.EOF) {
				if n == 0 && time.Since(started) < hangupReadDuration {
					fastEmptyReads++
				} else {
					fastEmptyReads = 0
				}
				if fastEmptyReads < hangupEmptyReads {
					continue
				}
				err = ErrHangup
			}

			if err != nil {
				select {
				case chunks <- chunk{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return chunks
}

// Capture reads count lines and returns them.
// Reading stops early (returning the lines captured so far) if the port fails or ctx is done.
func Capture(ctx context.Context, port io.Reader, count int, perReadTimeout time.Duration) ([]Line, error) {
	var lines []Line
	for line := range ReadLines(ctx, port, count, perReadTimeout) {
		if line.Err != nil {
			return lines, line.Err
		}
		lines = append(lines, line)
	}
	return lines, ctx.Err()
}
