/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package ocd implements a client for the line-oriented control port of the OpenOCD debug daemon.
package ocd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/pkg/osutil"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 4444

	// Lines longer than this are logged and discarded in pieces.
	maxLineLength = 64 * 1024

	lineTerminator = "\n"
)

var ErrSessionClosed = errors.New("session is closed")

// Session is a connection to the daemon control port. Commands are sent one line at a time,
// and responses are read line by line.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	log    logr.Logger

	// Bytes of an incomplete line left over from a read that timed out
	pending []byte

	// writeMu protects concurrent writes to the connection
	writeMu sync.Mutex

	// readMu serializes readers
	readMu sync.Mutex

	// closed and state are protected by mu
	closed bool
	state  State
	mu     sync.Mutex
}

// Connect dials the daemon control port.
func Connect(ctx context.Context, host string, port int, log logr.Logger) (*Session, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connecting to %s interrupted: %w", address, ctx.Err())
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", address, errors.Join(faults.ErrConnection, dialErr))
	}

	log.V(1).Info("connected to debug daemon", "address", address)
	return NewSession(conn, log), nil
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn, log logr.Logger) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		log:    log.WithName("ocd"),
		state:  StateConnected,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState records the progress of the run. Transitions that the session state machine does not allow are rejected.
func (s *Session) SetState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed && to != StateDisconnected {
		return ErrSessionClosed
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("%s -> %s: %w", s.state, to, ErrInvalidTransition)
	}

	s.log.V(1).Info("session state changed", "from", s.state.String(), "to", to.String())
	s.state = to
	return nil
}

// Send writes a single command line. The write (including flushing) must complete within timeout.
func (s *Session) Send(ctx context.Context, command string, timeout time.Duration) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", errors.Join(faults.ErrConnection, err))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if ctx.Err() != nil {
		return fmt.Errorf("sending '%s' interrupted: %w", command, ctx.Err())
	}

	_, writeErr := s.writer.WriteString(command + lineTerminator)
	if writeErr == nil {
		writeErr = s.writer.Flush()
	}

	switch {
	case writeErr == nil:
		s.log.V(1).Info("command sent", "command", command)
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("sending '%s' interrupted: %w", command, ctx.Err())
	case isTimeout(writeErr):
		return fmt.Errorf("command '%s' could not be written within %s: %w", command, timeout, faults.ErrWriteTimeout)
	default:
		return fmt.Errorf("failed to write command '%s': %w", command, errors.Join(faults.ErrConnection, writeErr))
	}
}

// RecvMatch reads lines until one contains expected, and returns that line (without the line terminator).
// Lines that do not match are logged and discarded. Fails with faults.ErrProtocolTimeout
// if no matching line arrives within timeout.
func (s *Session) RecvMatch(ctx context.Context, expected string, timeout time.Duration) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	deadline := time.Now().Add(timeout)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		// Each read is bounded by whatever remains of the overall deadline.
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("failed to set read deadline: %w", errors.Join(faults.ErrConnection, err))
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("waiting for '%s' interrupted: %w", expected, ctx.Err())
		}

		line, complete, readErr := s.readLine()
		if complete {
			s.log.Info("OpenOCD", "line", line)
			if strings.Contains(line, expected) {
				return line, nil
			}
			continue
		}

		switch {
		case readErr == nil:
			continue
		case ctx.Err() != nil:
			return "", fmt.Errorf("waiting for '%s' interrupted: %w", expected, ctx.Err())
		case isTimeout(readErr):
			return "", fmt.Errorf("'%s' not received within %s: %w", expected, timeout, faults.ErrProtocolTimeout)
		case errors.Is(readErr, io.EOF):
			if rest := s.takePending(); rest != "" {
				s.log.Info("OpenOCD", "line", rest)
				if strings.Contains(rest, expected) {
					return rest, nil
				}
			}
			return "", fmt.Errorf("daemon closed the connection while waiting for '%s': %w", expected, errors.Join(faults.ErrConnection, readErr))
		default:
			return "", fmt.Errorf("failed to read from daemon: %w", errors.Join(faults.ErrConnection, readErr))
		}
	}
}

// Reads the next fragment from the connection. Returns complete=true when a whole line
// (or an over-long piece of one) is available.
func (s *Session) readLine() (string, bool, error) {
	frag, err := s.reader.ReadSlice('\n')
	s.pending = append(s.pending, frag...)

	switch {
	case err == nil:
		return s.takePending(), true, nil
	case errors.Is(err, bufio.ErrBufferFull):
		if len(s.pending) >= maxLineLength {
			return s.takePending(), true, nil
		}
		return "", false, nil
	default:
		return "", false, err
	}
}

func (s *Session) takePending() string {
	line := stripTelnet(osutil.TrimLineEnding(s.pending))
	s.pending = nil
	return strings.TrimRight(string(line), "\r")
}

// Disconnect closes the connection. Calling it more than once is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.state = StateDisconnected
	s.log.V(1).Info("disconnected from debug daemon")
	return s.conn.Close()
}

func (s *Session) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
