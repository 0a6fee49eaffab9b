/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build linux

package adapters

const sysfsUSBDevices = "/sys/bus/usb/devices"

// IsAttached reports whether a USB device with the given identity is currently connected.
func IsAttached(id AdapterID) (bool, error) {
	return isAttachedUnder(sysfsUSBDevices, id)
}
