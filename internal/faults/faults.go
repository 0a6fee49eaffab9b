/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package faults

import (
	"context"
	"errors"
)

var (
	// ErrConfigMissing is returned when a required configuration file (e.g. the adapter table) does not exist.
	ErrConfigMissing = errors.New("configuration missing")

	// ErrConfigMalformed is returned when a configuration file exists but cannot be parsed.
	ErrConfigMalformed = errors.New("configuration malformed")

	// ErrPlatformUnknown is returned when a platform identifier has no adapter entry or no driver.
	ErrPlatformUnknown = errors.New("unknown platform")

	// ErrDaemonStartup is returned when the debug daemon exits (or cannot be started) before it becomes usable.
	ErrDaemonStartup = errors.New("debug daemon failed to start")

	// ErrConnection is returned when the control connection to the debug daemon cannot be established.
	ErrConnection = errors.New("debug daemon connection failed")

	// ErrWriteTimeout is returned when a command could not be written to the daemon in time.
	ErrWriteTimeout = errors.New("command write timed out")

	// ErrProtocolTimeout is returned when the expected daemon response did not arrive in time.
	ErrProtocolTimeout = errors.New("expected response not received in time")

	// ErrSerialUnavailable is returned when the serial port cannot be opened.
	ErrSerialUnavailable = errors.New("serial port unavailable")

	// ErrCleanup is returned when the debug daemon could not be terminated.
	ErrCleanup = errors.New("cleanup failed")
)

var kinds = []struct {
	err  error
	name string
}{
	// Cleanup first: a failed cleanup is reported even if the run failed for another reason.
	{ErrCleanup, "Cleanup"},
	{ErrConfigMissing, "ConfigMissing"},
	{ErrConfigMalformed, "ConfigMalformed"},
	{ErrPlatformUnknown, "PlatformUnknown"},
	{ErrDaemonStartup, "DaemonStartup"},
	{ErrConnection, "Connection"},
	{ErrWriteTimeout, "WriteTimeout"},
	{ErrProtocolTimeout, "ProtocolTimeout"},
	{ErrSerialUnavailable, "SerialUnavailable"},
}

// KindOf returns the name of the failure class of the error, for logging and reporting.
// Returns "Interrupted" for context cancellation, "Unclassified" for any other error, and "" for nil.
func KindOf(err error) string {
	if err == nil {
		return ""
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}

	if errors.Is(err, context.Canceled) {
		return "Interrupted"
	}

	return "Unclassified"
}

// IsConfigError returns true if the error was detected before anything was launched.
// This includes missing or malformed configuration and unknown platforms.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfigMissing) ||
		errors.Is(err, ErrConfigMalformed) ||
		errors.Is(err, ErrPlatformUnknown)
}

// IsTimeoutError returns true if the error indicates the daemon did not respond in time.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrWriteTimeout) ||
		errors.Is(err, ErrProtocolTimeout)
}
