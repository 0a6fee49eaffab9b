/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

var (
	lf   = []byte("\n")
	crlf = []byte("\r\n")
)

func LF() []byte {
	return lf
}

// Serial consoles and the debug daemon protocol both terminate lines with CRLF,
// regardless of the host OS.
func CRLF() []byte {
	return crlf
}

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

func LineSep() []byte {
	if IsWindows() {
		return crlf
	} else {
		return lf
	}
}

// Removes a single trailing CRLF, LF or CR from the line. The original slice is not modified.
func TrimLineEnding(b []byte) []byte {
	if bytes.HasSuffix(b, crlf) {
		return b[:len(b)-2]
	}
	if len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		return b[:len(b)-1]
	}
	return b
}

// Makes sure the directory exists, creating it (and its parents) if necessary.
// Returns an error if the path exists but is not a directory.
func EnsureDir(path string, perm os.FileMode) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("'%s' exists but is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.MkdirAll(path, perm)
}

// Returns the absolute, cleaned version of the path.
func AbsPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return filepath.Abs(path)
}

// Returns true if the path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
