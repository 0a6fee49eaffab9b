/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package lockfile provides files that can be exclusively locked by one process at a time.
// Test runs use them to claim a working directory (and the hardware behind it).
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/hil-tools/slt/pkg/osutil"
)

// Represents a file that can be locked and unlocked.
// I/O operations are not allowed on an unlocked Lockfile.
// Lockfile is NOT goroutine-safe.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

const (
	DefaultLockRetryInterval = 20 * time.Millisecond
)

var (
	ErrUnlocked    = errors.New("Lockfile has not been locked, I/O operations are not allowed")
	ErrNeedAbsPath = errors.New("Lockfiles must be created using absolute path")
)

// Creates a new Lockfile instance for given path. The actual file is not created or locked yet.
// The path must be an absolute path.
func NewLockfile(path string) (*Lockfile, error) {
	if len(path) == 0 || !filepath.IsAbs(path) {
		return nil, ErrNeedAbsPath
	}

	return &Lockfile{
		path: path,
	}, nil
}

func (l *Lockfile) Path() string {
	return l.path
}

func (l *Lockfile) Close() error {
	unlockErr := l.Unlock()
	if l.file != nil {
		closeErr := l.file.Close()
		l.file = nil
		return errors.Join(unlockErr, closeErr)
	} else {
		return unlockErr
	}
}

// TryLock attempts to lock the file until it succeeds or the context is done.
func (l *Lockfile) TryLock(ctx context.Context, retryInterval time.Duration) error {
	if l.locked {
		return nil
	}

	if retryInterval <= 0 {
		retryInterval = DefaultLockRetryInterval
	}
	retryInterval = wait.Jitter(retryInterval, 0.1)

	return wait.PollUntilContextCancel(ctx, retryInterval, true /* poll immediately */, func(_ context.Context) (bool, error) {
		if l.file == nil {
			file, openErr := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, osutil.PermissionOnlyOwnerReadWrite)
			if openErr != nil {
				return false, openErr
			}
			l.file = file
		}

		lockErr := doLock(l.file)
		if lockErr == nil {
			l.locked = true
			return true, nil
		}
		if isAlreadyLockedError(lockErr) {
			// Someone else holds the lock, keep trying
			return false, nil
		} else {
			return false, lockErr
		}
	})
}

// Lock locks the file, giving up after timeout if the lock is held by someone else.
// The owner description is written to the file, replacing previous content.
func (l *Lockfile) Lock(ctx context.Context, timeout time.Duration, owner string) error {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.TryLock(lockCtx, DefaultLockRetryInterval); err != nil {
		closeErr := l.Close()
		if ctx.Err() == nil && wait.Interrupted(err) {
			return errors.Join(fmt.Errorf("lock file '%s' is held by another process", l.path), closeErr)
		}
		return errors.Join(err, closeErr)
	}

	if err := l.Truncate(0); err != nil {
		return errors.Join(err, l.Close())
	}
	if _, err := l.Seek(0, io.SeekStart); err != nil {
		return errors.Join(err, l.Close())
	}
	if _, err := io.WriteString(l, owner); err != nil {
		return errors.Join(err, l.Close())
	}
	return nil
}

func (l *Lockfile) Unlock() error {
	if l.file == nil || !l.locked {
		return nil
	}

	// Subsequent I/O operations fail until the file is locked again, even if unlocking fails.
	l.locked = false

	return doUnlock(l.file)
}

func (l *Lockfile) Read(p []byte) (int, error) {
	if l.file == nil || !l.locked {
		return 0, ErrUnlocked
	}
	return l.file.Read(p)
}

func (l *Lockfile) Write(p []byte) (int, error) {
	if l.file == nil || !l.locked {
		return 0, ErrUnlocked
	}
	return l.file.Write(p)
}

func (l *Lockfile) Seek(offset int64, whence int) (int64, error) {
	if l.file == nil || !l.locked {
		return 0, ErrUnlocked
	}
	return l.file.Seek(offset, whence)
}

func (l *Lockfile) Truncate(size int64) error {
	if l.file == nil || !l.locked {
		return ErrUnlocked
	}
	return l.file.Truncate(size)
}

var _ io.ReadWriteCloser = (*Lockfile)(nil)
var _ io.Seeker = (*Lockfile)(nil)
