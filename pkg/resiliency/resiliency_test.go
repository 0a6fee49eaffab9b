/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestRetryGetSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var attempts atomic.Int32
	val, err := RetryGetWithBackoff(ctx, NewBoundedBackoff(5*time.Millisecond, 20*time.Millisecond), func() (string, error) {
		if attempts.Add(1) < 3 {
			return "", errors.New("not yet")
		}
		return "ready", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ready", val)
	require.Equal(t, int32(3), attempts.Load())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fatal := errors.New("fatal")
	var attempts atomic.Int32
	err := Retry(ctx, func() error {
		attempts.Add(1)
		return Permanent(fatal)
	})

	require.ErrorIs(t, err, fatal)
	require.Equal(t, int32(1), attempts.Load())
}

func TestRetryReportsLastErrorOnTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	transient := errors.New("transient")
	_, err := RetryGetWithBackoff(ctx, NewBoundedBackoff(5*time.Millisecond, 10*time.Millisecond), func() (int, error) {
		return 0, transient
	})

	require.ErrorIs(t, err, transient)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMakePanicError(t *testing.T) {
	t.Parallel()

	require.NoError(t, MakePanicError(nil, logr.Discard()))

	err := MakePanicError("boom", logr.Discard())
	require.ErrorContains(t, err, "boom")

	inner := errors.New("inner")
	err = MakePanicError(inner, logr.Discard())
	require.ErrorIs(t, err, inner)
}
