/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package serialmon reads the console output of the device under test from its serial port.
package serialmon

import (
	"errors"
	"fmt"
	"io"
	"time"

	goserial "github.com/jacobsa/go-serial/serial"

	"github.com/hil-tools/slt/internal/faults"
)

const (
	DefaultBaudRate       = 115200
	DefaultPerReadTimeout = 10 * time.Second
	DefaultLineCount      = 30

	// How long a single read may block waiting for the first byte.
	// Kept short so that the reader notices cancellation quickly; per-line timeouts are enforced by ReadLines.
	pollInterval = 100 * time.Millisecond
)

var (
	// The device is held open by another process.
	ErrPortBusy = errors.New("serial port is in use by another process")

	// The device went away (for example the USB serial adapter was unplugged).
	ErrHangup = errors.New("serial port hung up")
)

type Port io.ReadWriteCloser

type Config struct {
	Path     string
	BaudRate uint

	// Opens the port. Defaults to a real serial device.
	Opener Opener
}

type Opener func(cfg Config) (Port, error)

// Open opens the serial port for reading (8N1, no flow control).
func Open(cfg Config) (Port, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("serial port path is empty: %w", faults.ErrSerialUnavailable)
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	opener := cfg.Opener
	if opener == nil {
		opener = OpenDevice
	}

	port, err := opener(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open serial port '%s': %w", cfg.Path, errors.Join(faults.ErrSerialUnavailable, err))
	}
	return port, nil
}

// OpenDevice opens a serial device and claims it for exclusive use. A device already claimed
// fails with ErrPortBusy. Reads return (0, io.EOF) when no data arrives within the poll interval.
func OpenDevice(cfg Config) (Port, error) {
	options := goserial.OpenOptions{
		PortName:              cfg.Path,
		BaudRate:              cfg.BaudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            goserial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: uint(pollInterval / time.Millisecond),
	}

	device, err := goserial.Open(options)
	if err != nil {
		return nil, err
	}

	if claimErr := claimDevice(device); claimErr != nil {
		return nil, errors.Join(claimErr, device.Close())
	}
	return device, nil
}
