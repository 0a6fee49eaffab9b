/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	levelStrings = map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		"info":    zap.InfoLevel,
		"warn":    zap.WarnLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
	}
)

type LevelFlagValue struct {
	// Called every time the flag is successfully set
	onLevelAvailable func(zapcore.Level)
	value            string
}

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{
		onLevelAvailable: onLevelAvailable,
	}
}

// Parses a level name ("debug", "info", "warn", "error") or a positive debug verbosity number.
// Returns defaultLevel and an error if the value cannot be parsed.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	value = strings.TrimSpace(value)
	if level, namedLevel := levelStrings[strings.ToLower(value)]; namedLevel {
		return level, nil
	}

	logLevel, err := strconv.Atoi(value)
	if err != nil || logLevel <= 0 || logLevel > 127 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}

	// Zap has the levels backwards: V(1) maps to -1 (debug), V(2) to -2 and so on.
	return zapcore.Level(int8(-logLevel)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}

	lfv.value = flagValue
	if lfv.onLevelAvailable != nil {
		lfv.onLevelAvailable(level)
	}
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (_ *LevelFlagValue) Type() string {
	return "level"
}

var _ pflag.Value = &LevelFlagValue{}
