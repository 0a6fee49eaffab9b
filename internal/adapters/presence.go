/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Scans a sysfs-style USB device directory for a device with the given identity.
// Device directories are named like "1-1" or "1-1.2"; root hubs ("usb1") and interfaces ("1-1:1.0") are skipped.
func isAttachedUnder(root string, id AdapterID) (bool, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("could not enumerate USB devices in '%s': %w", root, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		devPath := filepath.Join(root, name)
		vid, vidErr := readHexAttr(filepath.Join(devPath, "idVendor"))
		pid, pidErr := readHexAttr(filepath.Join(devPath, "idProduct"))
		if vidErr != nil || pidErr != nil {
			continue // Skip devices we can't parse
		}

		if vid == id.VendorID && pid == id.ProductID {
			return true, nil
		}
	}

	return false, nil
}

// Sysfs exposes USB ids as four hex digits without a prefix.
func readHexAttr(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
