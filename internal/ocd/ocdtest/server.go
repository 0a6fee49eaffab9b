/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package ocdtest provides a fake OpenOCD control port for tests.
package ocdtest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hil-tools/slt/pkg/osutil"
)

const (
	VerifiedMarker = "** Verified OK **"

	// What OpenOCD sends right after accepting a telnet connection: IAC WILL ECHO, IAC WILL SGA, IAC DONT LINEMODE.
	telnetPreamble = "\xff\xfb\x01\xff\xfb\x03\xff\xfe\x22"
	banner         = "Open On-Chip Debugger\r\n> "
)

type Options struct {
	// When false, "program" never reports success; the server keeps emitting progress noise instead.
	Verify bool

	// Delay before the verification marker is written.
	VerifyDelay time.Duration

	// Interval between noise lines emitted while a program command is pending.
	NoiseInterval time.Duration

	// When set, every received command is appended to this file, one per line.
	RecordPath string
}

// Server accepts connections on a listener and answers the subset of OpenOCD commands used by the harness.
type Server struct {
	opts      Options
	listener  net.Listener
	commands  []string
	conns     map[net.Conn]struct{}
	closed    bool
	lock      *sync.Mutex
	shutdown  chan struct{}
	closeOnce *sync.Once
	wg        *sync.WaitGroup
}

func NewServer(l net.Listener, opts Options) *Server {
	if opts.NoiseInterval <= 0 {
		opts.NoiseInterval = 10 * time.Millisecond
	}

	s := &Server{
		opts:      opts,
		listener:  l,
		conns:     make(map[net.Conn]struct{}),
		lock:      &sync.Mutex{},
		shutdown:  make(chan struct{}),
		closeOnce: &sync.Once{},
		wg:        &sync.WaitGroup{},
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Returns the commands received so far, in order.
func (s *Server) Commands() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string{}, s.commands...)
}

// Closed when a client sends the "shutdown" command.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Stops accepting connections, drops the connected clients and waits for all goroutines to finish.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.lock.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.lock.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.lock.Lock()
		if s.closed {
			s.lock.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.lock.Unlock()

		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.lock.Lock()
		delete(s.conns, conn)
		s.lock.Unlock()
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writeMu := &sync.Mutex{}
	write := func(text string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := io.WriteString(conn, text)
		return err
	}

	if write(telnetPreamble+banner) != nil {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		command := strings.TrimSpace(line)
		if command == "" {
			continue
		}
		s.record(command)

		fields := strings.Fields(command)
		switch fields[0] {
		case "program":
			if len(fields) < 2 {
				_ = write("** Programming Failed **\r\n> ")
				continue
			}
			_ = write(fmt.Sprintf("%s\r\n** Programming Started **\r\n** Programming Finished **\r\n** Verify Started **\r\n", command))
			if s.opts.Verify {
				go func() {
					select {
					case <-time.After(s.opts.VerifyDelay):
						_ = write(VerifiedMarker + "\r\n> ")
					case <-ctx.Done():
					}
				}()
			} else {
				go s.emitNoise(ctx, write)
			}

		case "reset":
			_ = write(command + "\r\n> ")

		case "shutdown":
			_ = write("shutdown command invoked\r\n")
			s.closeOnce.Do(func() { close(s.shutdown) })
			return

		default:
			_ = write(fmt.Sprintf("invalid command name \"%s\"\r\n> ", fields[0]))
		}
	}
}

func (s *Server) emitNoise(ctx context.Context, write func(string) error) {
	ticker := time.NewTicker(s.opts.NoiseInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if write(fmt.Sprintf("Info : verifying flash bank %d\r\n", i)) != nil {
				return
			}
		}
	}
}

func (s *Server) record(command string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.commands = append(s.commands, command)

	if s.opts.RecordPath != "" {
		f, err := os.OpenFile(s.opts.RecordPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, osutil.PermissionOnlyOwnerReadWrite)
		if err == nil {
			_, _ = f.WriteString(command + "\n")
			_ = f.Close()
		}
	}
}

// HelperMain runs the fake daemon as a standalone process, serving on 127.0.0.1.
// It exits with code 0 after a "shutdown" command, or when terminated.
// Flags: --port, --no-verify, --verify-delay, --record, --ignore-sigterm, --exit-immediately, --version.
func HelperMain(args []string) int {
	fs := pflag.NewFlagSet("openocd", pflag.ContinueOnError)
	port := fs.Int("port", 4444, "Control port to listen on")
	noVerify := fs.Bool("no-verify", false, "Never report successful verification")
	verifyDelay := fs.Duration("verify-delay", 50*time.Millisecond, "Delay before reporting successful verification")
	recordPath := fs.String("record", "", "File to append received commands to")
	ignoreSigterm := fs.Bool("ignore-sigterm", false, "Whether to ignore SIGTERM")
	exitImmediately := fs.Int("exit-immediately", -1, "Exit right away with the given code, simulating a startup failure")
	printVersion := fs.Bool("version", false, "Print version and exit")
	// Arguments that the real daemon takes (-f, -c) are accepted and ignored.
	_ = fs.StringArrayP("file", "f", nil, "Configuration file (ignored)")
	_ = fs.StringArrayP("command", "c", nil, "Configuration command (ignored)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	if *exitImmediately >= 0 {
		return *exitImmediately
	}

	if *printVersion {
		fmt.Fprintln(os.Stderr, "Open On-Chip Debugger 0.12.0 (fake)")
		return 0
	}

	if *ignoreSigterm {
		signal.Ignore(syscall.SIGTERM)
	}

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", *port))
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	srv := NewServer(l, Options{
		Verify:      !*noVerify,
		VerifyDelay: *verifyDelay,
		RecordPath:  *recordPath,
	})

	<-srv.ShutdownRequested()
	if closeErr := srv.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return 1
	}
	return 0
}
