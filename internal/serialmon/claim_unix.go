/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package serialmon

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Takes an advisory lock on the device. It is released when the device is closed.
func claimDevice(device io.ReadWriteCloser) error {
	f, isFile := device.(interface{ Fd() uintptr })
	if !isFile {
		return nil
	}

	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrPortBusy
	}
	return err
}
