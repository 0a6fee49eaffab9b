/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hil-tools/slt/pkg/osutil"
	"github.com/hil-tools/slt/pkg/resiliency"
)

const (
	SLT_DIAGNOSTICS_LOG_FOLDER = "SLT_DIAGNOSTICS_LOG_FOLDER" // Folder to write diagnostics logs to (defaults to a temp folder)
	SLT_DIAGNOSTICS_LOG_LEVEL  = "SLT_DIAGNOSTICS_LOG_LEVEL"  // Log level to include in diagnostics logs (defaults to none)
	SLT_LOG_FILE_NAME_SUFFIX   = "SLT_LOG_FILE_NAME_SUFFIX"   // Suffix to append to the log file name (defaults to process ID)

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

var (
	defaultLogPath = filepath.Join(os.TempDir(), "slt", "logs")
	startTime      time.Time
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New logger implementation to handle logging to stderr/diagnostics log
func New(name string) *Logger {
	return NewWithOutput(name, zapcore.Lock(os.Stderr))
}

// Creates a logger that writes console-formatted output to the given sink (plus the diagnostics log, if enabled).
func NewWithOutput(name string, consoleLog zapcore.WriteSyncer) *Logger {
	// Format console output to be human readable
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Honor Windows line endings for logs if appropriate
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = string(osutil.CRLF())
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	consoleAtomicLevel := zap.NewAtomicLevel()

	cores := []zapcore.Core{}
	// Add a console logger for log output (with a minimum level set by verbosity)
	cores = append(cores, zapcore.NewCore(consoleEncoder, consoleLog, consoleAtomicLevel))

	var diagnosticsLogErr error
	// Determine if a diagnostics log is enabled
	if logCore, err := getDiagnosticsLogCore(name, encoderConfig); err != nil {
		// Ignore the error if diagnostics log isn't enabled
		if !errors.Is(err, errDiagnosticsLogNotEnabled) {
			diagnosticsLogErr = err
		}
	} else {
		// Add the diagnostics log to the list of outputs
		cores = append(cores, logCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))

	logger := zapr.NewLogger(zapLogger).WithName(name)

	if diagnosticsLogErr != nil {
		// If there was an error setting up the diagnostics log, write it to the log output and stderr
		logger.Error(diagnosticsLogErr, "failed to enable diagnostics log output")
		fmt.Fprintf(os.Stderr, "failed to enable diagnostics log output: %v\n", diagnosticsLogErr)
	}

	return &Logger{
		Logger:      logger,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Level() zapcore.Level {
	return l.atomicLevel.Level()
}

func (l *Logger) Flush() {
	l.flush()
}

// Add verbosity flag to enable setting console log levels
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
}

func getDiagnosticsLogCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	logLevel, err := GetDiagnosticsLogLevel()
	if err != nil {
		return nil, err
	}

	logFolder, err := EnsureDiagnosticsLogsFolder()
	if err != nil {
		return nil, err
	}

	// The default log file name is <name>-<timestamp>-<pid>, but the PID part can be overridden
	// by setting the SLT_LOG_FILE_NAME_SUFFIX environment variable.
	logFileNameSuffix := osutil.EnvVarStringWithDefault(SLT_LOG_FILE_NAME_SUFFIX, fmt.Sprintf("%d", os.Getpid()))

	// If custom log file name suffix is used, there's a chance that the file using the resulting name
	// was already created, so let's retry a few times.
	// Worst case we will run without a log file, but that should be super rare.
	retryCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	attempt := 0
	logOutput, err := resiliency.RetryGetWithBackoff(retryCtx, resiliency.NewBoundedBackoff(20*time.Millisecond, 100*time.Millisecond), func() (*os.File, error) {
		logname := fmt.Sprintf("%s-%d-%s.log", name, startTime.UnixMilli(), logFileNameSuffix)
		if attempt > 0 {
			logname = fmt.Sprintf("%s-%d-%s-%d.log", name, startTime.UnixMilli(), logFileNameSuffix, attempt)
		}
		attempt++
		return os.OpenFile(
			filepath.Join(logFolder, logname),
			os.O_RDWR|os.O_CREATE|os.O_EXCL,
			osutil.PermissionOnlyOwnerReadWrite,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	// Format diagnostics log to be machine readable
	logEncoder := zapcore.NewJSONEncoder(encoderConfig)

	return zapcore.NewCore(logEncoder, zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}

// Returns the folder to write diagnostics logs to.
func EnsureDiagnosticsLogsFolder() (string, error) {
	logFolder := osutil.EnvVarStringWithDefault(SLT_DIAGNOSTICS_LOG_FOLDER, defaultLogPath)

	if err := osutil.EnsureDir(logFolder, osutil.PermissionOnlyOwnerReadWriteSetCurrent); err != nil {
		return "", fmt.Errorf("failed to prepare the diagnostic log folder '%s': %w", logFolder, err)
	}

	return logFolder, nil
}

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

func GetDiagnosticsLogLevel() (zapcore.Level, error) {
	// Determine if the diagnostics log is enabled
	diagnosticsLogLevel, found := os.LookupEnv(SLT_DIAGNOSTICS_LOG_LEVEL)
	if !found {
		return zapcore.InvalidLevel, errDiagnosticsLogNotEnabled
	}

	// Parse the diagnostics log level to a zapcore level
	logLevel, err := StringToLevel(diagnosticsLogLevel, zapcore.ErrorLevel)
	if err != nil {
		return zapcore.InvalidLevel, fmt.Errorf("failed to parse log level: %v", diagnosticsLogLevel)
	}

	return logLevel, nil
}

func init() {
	startTime = time.Now()
}
