/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hil-tools/slt/pkg/testutil"
)

// A daemon that ignores SIGTERM is killed once the stop timeout elapses.
func TestCleanupEscalatesWhenSigtermIgnored(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	const stopTimeout = time.Second
	s := NewSupervisor(testutil.NewLogForTesting(t.Name()), Options{SettleDelay: 500 * time.Millisecond, StopTimeout: stopTimeout})
	h := launchHelper(t, s, "openocd", "--port=0", "--ignore-sigterm")
	require.NoError(t, s.AwaitStartup(ctx, h))

	start := time.Now()
	require.NoError(t, s.Cleanup(h))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, stopTimeout)
	require.Less(t, elapsed, 10*time.Second, "daemon was not killed timely")
	ensureGone(t, h, 5*time.Second)
}
