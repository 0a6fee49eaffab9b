/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Try calling factory function with exponential back-off until timeout is reached.
func RetryGet[T any](ctx context.Context, factory func() (T, error)) (T, error) {
	return RetryGetWithBackoff(ctx, backoff.NewExponentialBackOff(), factory)
}

func RetryGetWithBackoff[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Try calling the action with exponential back-off until it succeeds, fails permanently, or the context is done.
func Retry(ctx context.Context, action func() error) error {
	_, err := RetryGet(ctx, func() (struct{}, error) {
		return struct{}{}, action()
	})
	return err
}

// Wraps the error so that retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Returns an exponential back-off policy that starts at the initial interval and never waits longer than maxInterval.
func NewBoundedBackoff(initial, maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // Bounded by the context instead
	return b
}
