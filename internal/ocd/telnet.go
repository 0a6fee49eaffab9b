/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package ocd

// Telnet command bytes (RFC 854) used by the daemon's control port for option negotiation.
const (
	telnetSE   byte = 240
	telnetSB   byte = 250
	telnetWILL byte = 251
	telnetDONT byte = 254
	telnetIAC  byte = 255
)

// Removes telnet command sequences from b. IAC IAC is an escaped 0xFF data byte.
// Returns a new slice; b is not modified.
func stripTelnet(b []byte) []byte {
	out := make([]byte, 0, len(b))

	for i := 0; i < len(b); i++ {
		if b[i] != telnetIAC {
			out = append(out, b[i])
			continue
		}

		if i+1 >= len(b) {
			break // Truncated sequence
		}
		cmd := b[i+1]

		switch {
		case cmd == telnetIAC:
			out = append(out, telnetIAC)
			i++
		case cmd >= telnetWILL && cmd <= telnetDONT:
			i += 2 // IAC, verb, option
		case cmd == telnetSB:
			// Skip subnegotiation up to and including IAC SE
			j := i + 2
			for j+1 < len(b) && !(b[j] == telnetIAC && b[j+1] == telnetSE) {
				j++
			}
			i = j + 1
		default:
			i++ // Two-byte command (NOP, GA etc.)
		}
	}

	return out
}
