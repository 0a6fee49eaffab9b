/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/hil-tools/slt/internal/ocd"
	"github.com/hil-tools/slt/pkg/osutil"
)

const (
	STM32ID = "stm32"

	stm32TargetConfig   = "target/stm32f4x.cfg"
	stm32VerifiedMarker = "** Verified OK **"
)

type stm32Driver struct {
	binding
	opts Options
}

func newSTM32Driver(opts Options) Driver {
	return &stm32Driver{
		opts: opts,
	}
}

func (d *stm32Driver) Name() string {
	return STM32ID
}

func (d *stm32Driver) LaunchArgs() []string {
	return []string{"-f", stm32TargetConfig}
}

func (d *stm32Driver) Bind(s Session) error {
	return d.bind(s)
}

func (d *stm32Driver) Unbind() {
	d.unbind()
}

func (d *stm32Driver) Flash(ctx context.Context, imagePath string) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	if imagePath == "" {
		return errEmptyImagePath
	}

	// The daemon resolves relative paths against its own working directory.
	absPath, err := osutil.AbsPath(imagePath)
	if err != nil {
		return fmt.Errorf("could not resolve firmware image path '%s': %w", imagePath, err)
	}

	if err = s.SetState(ocd.StateProgramming); err != nil {
		return err
	}

	d.opts.Log.Info("Programming...", "image", absPath)
	flashErr := d.program(ctx, s, absPath)
	if flashErr != nil {
		return errors.Join(flashErr, s.SetState(ocd.StateProgrammingFailed))
	}

	d.opts.Log.Info("Firmware programmed and verified", "image", absPath)
	return s.SetState(ocd.StateVerified)
}

func (d *stm32Driver) program(ctx context.Context, s Session, absPath string) error {
	if err := s.Send(ctx, fmt.Sprintf("program %s verify", absPath), d.opts.WriteTimeout); err != nil {
		return err
	}

	_, err := s.RecvMatch(ctx, stm32VerifiedMarker, d.opts.FlashTimeout)
	return err
}

func (d *stm32Driver) Reset(ctx context.Context) error {
	s, err := d.current()
	if err != nil {
		return err
	}

	if err = s.SetState(ocd.StateReset); err != nil {
		return err
	}

	d.opts.Log.Info("Resetting...")
	if err = s.Send(ctx, "reset", d.opts.WriteTimeout); err != nil {
		return err
	}

	d.opts.Log.Info("Reset issued")
	return nil
}

func init() {
	Register(STM32ID, newSTM32Driver)
}

var _ Driver = (*stm32Driver)(nil)
