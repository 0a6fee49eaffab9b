/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build windows

package serialmon

import (
	"io"
)

// COM ports are opened for exclusive access by the system; a second open already fails.
func claimDevice(_ io.ReadWriteCloser) error {
	return nil
}
