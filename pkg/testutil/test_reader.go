/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"io"
	"os"
	"sync"
	"time"
)

// The maximum number of entries in the timeline
const bufferSize = 4096

type timelineEntry struct {
	data []byte
	err  error
}

// ScriptedPort simulates a serial device opened with a read timeout.
// Reads are served from a timeline of chunks and errors. When the timeline is empty,
// a read waits for the read timeout and then returns (0, io.EOF), which is what a real
// serial port does when no data arrives within its inter-character timeout.
// Reads are meant to be issued from a single goroutine.
type ScriptedPort struct {
	timeline    chan timelineEntry
	pending     []byte
	readTimeout time.Duration
	closeCh     chan struct{}
	closeOnce   *sync.Once
	written     *BufferWriter
}

func NewScriptedPort(readTimeout time.Duration) *ScriptedPort {
	return &ScriptedPort{
		timeline:    make(chan timelineEntry, bufferSize),
		readTimeout: readTimeout,
		closeCh:     make(chan struct{}),
		closeOnce:   &sync.Once{},
		written:     NewBufferWriter(1024 * 1024),
	}
}

// Adds data that will be returned by subsequent reads. Each chunk may be split across several reads,
// but two chunks are never merged into a single read.
func (sp *ScriptedPort) AddChunks(chunks ...string) {
	for _, c := range chunks {
		sp.timeline <- timelineEntry{data: []byte(c)}
	}
}

// Makes the next read (after all previously added chunks are consumed) fail with the given error.
func (sp *ScriptedPort) AddError(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	sp.timeline <- timelineEntry{err: err}
}

func (sp *ScriptedPort) Read(p []byte) (int, error) {
	if len(sp.pending) > 0 {
		n := copy(p, sp.pending)
		sp.pending = sp.pending[n:]
		return n, nil
	}

	select {
	case <-sp.closeCh:
		return 0, os.ErrClosed
	default:
	}

	timer := time.NewTimer(sp.readTimeout)
	defer timer.Stop()

	select {
	case entry := <-sp.timeline:
		if entry.err != nil {
			return 0, entry.err
		}
		n := copy(p, entry.data)
		sp.pending = entry.data[n:]
		return n, nil
	case <-timer.C:
		return 0, io.EOF
	case <-sp.closeCh:
		return 0, os.ErrClosed
	}
}

func (sp *ScriptedPort) Write(p []byte) (int, error) {
	select {
	case <-sp.closeCh:
		return 0, os.ErrClosed
	default:
		return sp.written.Write(p)
	}
}

func (sp *ScriptedPort) Close() error {
	sp.closeOnce.Do(func() {
		close(sp.closeCh)
	})
	return nil
}

func (sp *ScriptedPort) IsClosed() bool {
	select {
	case <-sp.closeCh:
		return true
	default:
		return false
	}
}

// Returns everything written to the port so far.
func (sp *ScriptedPort) Written() []byte {
	return sp.written.Bytes()
}

var _ io.ReadWriteCloser = (*ScriptedPort)(nil)
