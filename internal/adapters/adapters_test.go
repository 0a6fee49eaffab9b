/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/pkg/osutil"
)

func writeTable(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "adapter_mapping.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), osutil.PermissionOnlyOwnerReadWrite))
	return path
}

func TestLookupFindsPlatform(t *testing.T) {
	t.Parallel()

	path := writeTable(t, "platform;vid;pid\nesp32;0x0403;0x6010\nstm32;0x0483;0x374b\n")

	id, err := Lookup("stm32", path)
	require.NoError(t, err)
	require.Equal(t, AdapterID{VendorID: 0x0483, ProductID: 0x374b}, id)
	require.Equal(t, "0x0483", id.VID())
	require.Equal(t, "0x374b", id.PID())
}

func TestLookupAcceptsDecimalAndCRLF(t *testing.T) {
	t.Parallel()

	path := writeTable(t, "platform;vid;pid\r\nstm32;1155;14155\r\n")

	id, err := Lookup("stm32", path)
	require.NoError(t, err)
	require.Equal(t, AdapterID{VendorID: 0x0483, ProductID: 0x374b}, id)
}

func TestLookupMissingTable(t *testing.T) {
	t.Parallel()

	_, err := Lookup("stm32", filepath.Join(t.TempDir(), "absent.csv"))
	require.ErrorIs(t, err, faults.ErrConfigMissing)

	_, err = Lookup("stm32", t.TempDir())
	require.ErrorIs(t, err, faults.ErrConfigMissing)
}

func TestLookupMalformed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		contents string
	}{
		{"wrong header", "platform,vid,pid\nstm32;0x0483;0x374b\n"},
		{"header columns reordered", "vid;pid;platform\nstm32;0x0483;0x374b\n"},
		{"empty file", ""},
		{"too few fields", "platform;vid;pid\nstm32;0x0483\n"},
		{"too many fields", "platform;vid;pid\nstm32;0x0483;0x374b;extra\n"},
		// Rows before the match are validated too: malformed input is rejected outright.
		{"malformed row before match", "platform;vid;pid\nesp32;0x0403\nstm32;0x0483;0x374b\n"},
		{"unparsable vid", "platform;vid;pid\nstm32;zz;0x374b\n"},
		{"pid out of range", "platform;vid;pid\nstm32;0x0483;0x1374b\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Lookup("stm32", writeTable(t, tc.contents))
			require.ErrorIs(t, err, faults.ErrConfigMalformed)
		})
	}
}

func TestLookupUnknownPlatform(t *testing.T) {
	t.Parallel()

	_, err := LookupIn("nrf52", strings.NewReader("platform;vid;pid\nstm32;0x0483;0x374b\n"))
	require.ErrorIs(t, err, faults.ErrPlatformUnknown)

	// A blank line ends the table.
	_, err = LookupIn("stm32", strings.NewReader("platform;vid;pid\nesp32;0x0403;0x6010\n\nstm32;0x0483;0x374b\n"))
	require.ErrorIs(t, err, faults.ErrPlatformUnknown)

	// Only a header.
	_, err = LookupIn("stm32", strings.NewReader("platform;vid;pid\n"))
	require.ErrorIs(t, err, faults.ErrPlatformUnknown)
}

func TestIsAttachedScansDeviceDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mkDevice := func(name, vid, pid string) {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, osutil.PermissionOnlyOwnerReadWriteSetCurrent))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "idVendor"), []byte(vid+"\n"), osutil.PermissionOnlyOwnerReadWrite))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "idProduct"), []byte(pid+"\n"), osutil.PermissionOnlyOwnerReadWrite))
	}
	mkDevice("usb1", "1d6b", "0002")
	mkDevice("1-1", "0403", "6010")
	mkDevice("1-1:1.0", "0483", "374b") // Interfaces are not devices
	mkDevice("1-2.3", "0483", "374b")

	attached, err := isAttachedUnder(root, AdapterID{VendorID: 0x0483, ProductID: 0x374b})
	require.NoError(t, err)
	require.True(t, attached)

	attached, err = isAttachedUnder(root, AdapterID{VendorID: 0x1366, ProductID: 0x0101})
	require.NoError(t, err)
	require.False(t, attached)

	attached, err = isAttachedUnder(filepath.Join(root, "absent"), AdapterID{VendorID: 0x0483, ProductID: 0x374b})
	require.NoError(t, err)
	require.False(t, attached)
}
