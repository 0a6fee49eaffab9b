/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err      error
		expected string
	}{
		{nil, ""},
		{fmt.Errorf("reading table: %w", ErrConfigMissing), "ConfigMissing"},
		{fmt.Errorf("flash: %w", ErrProtocolTimeout), "ProtocolTimeout"},
		{errors.Join(fmt.Errorf("flash: %w", ErrProtocolTimeout), fmt.Errorf("stop: %w", ErrCleanup)), "Cleanup"},
		{fmt.Errorf("await: %w", context.Canceled), "Interrupted"},
		{errors.New("boom"), "Unclassified"},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.expected, KindOf(tc.err), "error: %v", tc.err)
	}
}

func TestErrorClasses(t *testing.T) {
	t.Parallel()

	require.True(t, IsConfigError(fmt.Errorf("x: %w", ErrPlatformUnknown)))
	require.True(t, IsConfigError(ErrConfigMalformed))
	require.False(t, IsConfigError(ErrDaemonStartup))

	require.True(t, IsTimeoutError(fmt.Errorf("x: %w", ErrWriteTimeout)))
	require.False(t, IsTimeoutError(ErrConnection))
}
