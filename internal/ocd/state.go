/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package ocd

import (
	"errors"
	"fmt"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateProgramming
	StateVerified
	StateProgrammingFailed
	StateReset
)

var ErrInvalidTransition = errors.New("invalid session state transition")

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateProgramming:
		return "Programming"
	case StateVerified:
		return "Verified"
	case StateProgrammingFailed:
		return "ProgrammingFailed"
	case StateReset:
		return "Reset"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Disconnecting is allowed from any state and is handled separately.
// Reset is only reachable after a verified flash, or directly from Connected when flashing is skipped.
var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnected},
	StateConnected:    {StateProgramming, StateReset},
	StateProgramming:  {StateVerified, StateProgrammingFailed},
	StateVerified:     {StateReset},
}

func canTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
