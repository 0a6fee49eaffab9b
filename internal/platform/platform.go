/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package platform contains the chip-family specific knowledge: daemon target configuration
// and the command sequences used to flash and reset a device.
package platform

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/internal/ocd"
)

const (
	DefaultFlashTimeout = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

var (
	ErrNoSession      = errors.New("no session is bound to the driver")
	ErrSessionInUse   = errors.New("driver already has a bound session")
	errNilSession     = errors.New("session must not be nil")
	errEmptyImagePath = errors.New("firmware image path must not be empty")
)

// Session is the part of the daemon session the drivers use.
type Session interface {
	Send(ctx context.Context, command string, timeout time.Duration) error
	RecvMatch(ctx context.Context, expected string, timeout time.Duration) (string, error)
	SetState(to ocd.State) error
}

// Driver is implemented once per chip family.
type Driver interface {
	Name() string

	// Daemon arguments selecting the target configuration.
	LaunchArgs() []string

	// Binds the session used by Flash and Reset. At most one session may be bound at a time.
	Bind(s Session) error
	Unbind()

	// Programs the image and waits for verification to succeed.
	Flash(ctx context.Context, imagePath string) error

	// Issues a reset. Only waits for the command to be written.
	Reset(ctx context.Context) error
}

type Options struct {
	FlashTimeout time.Duration
	WriteTimeout time.Duration
	Log          logr.Logger
}

func (o Options) withDefaults() Options {
	if o.FlashTimeout <= 0 {
		o.FlashTimeout = DefaultFlashTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Log.GetSink() == nil {
		o.Log = logr.Discard()
	}
	return o
}

type Factory func(opts Options) Driver

var (
	registry     = map[string]Factory{}
	registryLock = &sync.RWMutex{}
)

// Register adds a driver variant. Registering the same id twice replaces the previous factory.
func Register(id string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[id] = factory
}

// New creates the driver registered for the platform id.
func New(id string, opts Options) (Driver, error) {
	registryLock.RLock()
	factory, found := registry[id]
	registryLock.RUnlock()

	if !found {
		return nil, fmt.Errorf("no driver for platform '%s' (known platforms: %v): %w", id, Known(), faults.ErrPlatformUnknown)
	}

	return factory(opts.withDefaults()), nil
}

// Known returns the registered platform ids, sorted.
func Known() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()

	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Tracks the session bound to a driver. Shared by all variants.
type binding struct {
	session Session
	lock    sync.Mutex
}

func (b *binding) bind(s Session) error {
	if s == nil {
		return errNilSession
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.session != nil {
		return ErrSessionInUse
	}
	b.session = s
	return nil
}

func (b *binding) unbind() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.session = nil
}

func (b *binding) current() (Session, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.session == nil {
		return nil, ErrNoSession
	}
	return b.session, nil
}
