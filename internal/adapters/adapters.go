/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package adapters resolves a platform identifier to the USB identity of the debug adapter wired to it.
package adapters

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/hil-tools/slt/internal/faults"
)

const (
	TableHeader    = "platform;vid;pid"
	fieldSeparator = ";"
	fieldCount     = 3
)

// AdapterID is the vendor/product identifier pair of a USB debug adapter.
type AdapterID struct {
	VendorID  uint16
	ProductID uint16
}

func (id AdapterID) VID() string {
	return fmt.Sprintf("0x%04x", id.VendorID)
}

func (id AdapterID) PID() string {
	return fmt.Sprintf("0x%04x", id.ProductID)
}

func (id AdapterID) String() string {
	return id.VID() + ":" + id.PID()
}

// Lookup reads the adapter table at tablePath and returns the adapter assigned to platformID.
func Lookup(platformID, tablePath string) (AdapterID, error) {
	info, err := os.Stat(tablePath)
	if errors.Is(err, fs.ErrNotExist) {
		return AdapterID{}, fmt.Errorf("adapter table '%s' does not exist: %w", tablePath, faults.ErrConfigMissing)
	} else if err != nil {
		return AdapterID{}, fmt.Errorf("adapter table '%s' cannot be accessed: %w", tablePath, errors.Join(faults.ErrConfigMissing, err))
	} else if info.IsDir() {
		return AdapterID{}, fmt.Errorf("adapter table '%s' is a directory: %w", tablePath, faults.ErrConfigMissing)
	}

	f, err := os.Open(tablePath)
	if err != nil {
		return AdapterID{}, fmt.Errorf("adapter table '%s' cannot be opened: %w", tablePath, errors.Join(faults.ErrConfigMissing, err))
	}
	defer f.Close()

	id, err := LookupIn(platformID, f)
	if err != nil {
		return AdapterID{}, fmt.Errorf("adapter table '%s': %w", tablePath, err)
	}
	return id, nil
}

// LookupIn scans an adapter table for the row assigned to platformID.
// The first line must be the header; scanning stops at the first blank line or at the end of input.
func LookupIn(platformID string, r io.Reader) (AdapterID, error) {
	scanner := bufio.NewScanner(r)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return AdapterID{}, fmt.Errorf("could not read header: %w", errors.Join(faults.ErrConfigMalformed, err))
		}
		return AdapterID{}, fmt.Errorf("table is empty: %w", faults.ErrConfigMalformed)
	}
	if header := trimLine(scanner.Text()); header != TableHeader {
		return AdapterID{}, fmt.Errorf("unexpected header '%s', expected '%s': %w", header, TableHeader, faults.ErrConfigMalformed)
	}

	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := trimLine(scanner.Text())
		if line == "" {
			break
		}

		fields := strings.Split(line, fieldSeparator)
		if len(fields) != fieldCount {
			return AdapterID{}, fmt.Errorf("line %d has %d fields, expected %d: %w", lineNo, len(fields), fieldCount, faults.ErrConfigMalformed)
		}

		if fields[0] != platformID {
			continue
		}

		vid, vidErr := parseID(fields[1])
		pid, pidErr := parseID(fields[2])
		if vidErr != nil || pidErr != nil {
			return AdapterID{}, fmt.Errorf("line %d has an invalid adapter id: %w", lineNo, errors.Join(faults.ErrConfigMalformed, vidErr, pidErr))
		}

		return AdapterID{VendorID: vid, ProductID: pid}, nil
	}

	if err := scanner.Err(); err != nil {
		return AdapterID{}, fmt.Errorf("could not read line %d: %w", lineNo+1, errors.Join(faults.ErrConfigMalformed, err))
	}

	return AdapterID{}, fmt.Errorf("no adapter entry for platform '%s': %w", platformID, faults.ErrPlatformUnknown)
}

// Accepts 0x-prefixed hexadecimal or decimal values.
func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func trimLine(s string) string {
	return strings.TrimRight(s, "\r\n")
}
