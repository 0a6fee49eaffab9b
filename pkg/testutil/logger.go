/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"flag"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/hil-tools/slt/pkg/logger"
)

func NewLogForTesting(name string) logr.Logger {
	log := logger.New(name)
	log.SetLevel(zapcore.ErrorLevel)
	if !flag.Parsed() {
		flag.Parse() // Needed to test if verbose flag was present.
	}
	if testing.Verbose() {
		log.SetLevel(zapcore.DebugLevel)
	}
	retval := log.Logger.WithValues("test", true)
	return retval
}

// Returns a logger that writes console-formatted output to the passed writer at debug level,
// so that tests can make assertions about what was logged.
func NewCapturingLogForTesting(name string, w *BufferWriter) logr.Logger {
	log := logger.NewWithOutput(name, zapcore.AddSync(w))
	log.SetLevel(zapcore.DebugLevel)
	return log.Logger
}
