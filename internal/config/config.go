/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config holds the settings of a test run and the sources they are loaded from.
// Precedence, lowest to highest: defaults, config file, environment (including an env file), command line.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/internal/ocd"
	"github.com/hil-tools/slt/internal/platform"
	"github.com/hil-tools/slt/internal/serialmon"
	"github.com/hil-tools/slt/internal/supervisor"
	"github.com/hil-tools/slt/pkg/osutil"
	"github.com/hil-tools/slt/pkg/process"
)

const (
	DefaultPlatform         = "stm32"
	DefaultFirmwareImage    = "tests/system/stm32_example.elf"
	DefaultWorkingDirectory = "tests/system/build"
	DefaultAdapterTable     = "tests/system/adapter_mapping.csv"
	DefaultAdapterConfig    = "tests/system/ts11-jtag.cfg"
	DefaultSerialPort       = "/dev/ttyUSB1"
	DefaultDaemonExecutable = "openocd"

	// How long the daemon gets to exit on its own after the shutdown command.
	DefaultShutdownTimeout = 3 * time.Second
)

// Environment variables that override the configuration file.
const (
	EnvPlatform         = "SLT_PLATFORM"
	EnvFirmwareImage    = "SLT_FIRMWARE_IMAGE"
	EnvWorkingDirectory = "SLT_WORKING_DIRECTORY"
	EnvAdapterTable     = "SLT_ADAPTER_TABLE"
	EnvAdapterConfig    = "SLT_ADAPTER_CONFIG"
	EnvSerialPort       = "SLT_SERIAL_PORT"
	EnvBaudRate         = "SLT_BAUD_RATE"
	EnvDaemonExecutable = "SLT_OPENOCD"
	EnvDaemonHost       = "SLT_OPENOCD_HOST"
	EnvDaemonPort       = "SLT_OPENOCD_PORT"
	EnvSettleDelay      = "SLT_SETTLE_DELAY"
	EnvStopTimeout      = "SLT_STOP_TIMEOUT"
	EnvFlashTimeout     = "SLT_FLASH_TIMEOUT"
	EnvWriteTimeout     = "SLT_WRITE_TIMEOUT"
	EnvReadTimeout      = "SLT_SERIAL_READ_TIMEOUT"
	EnvLineCount        = "SLT_LINE_COUNT"
	EnvSkipFlash        = "SLT_SKIP_FLASH"
	EnvCheckAdapter     = "SLT_CHECK_ADAPTER"
	EnvCheckDaemon      = "SLT_CHECK_OPENOCD"
	EnvShutdownDaemon   = "SLT_SHUTDOWN_OPENOCD"
)

type RunConfig struct {
	Platform         string `yaml:"platform"`
	FirmwareImage    string `yaml:"firmwareImage"`
	WorkingDirectory string `yaml:"workingDirectory"`

	// Semicolon-separated table mapping platforms to debug adapter USB ids.
	AdapterTable string `yaml:"adapterTable"`

	// Daemon configuration file describing the debug adapter interface.
	AdapterConfig string `yaml:"adapterConfig"`

	SerialPort string `yaml:"serialPort"`
	BaudRate   uint   `yaml:"baudRate"`

	DaemonExecutable string `yaml:"daemonExecutable"`

	// Extra daemon arguments, placed before the generated ones.
	DaemonArgs []string `yaml:"daemonArgs"`

	DaemonHost string `yaml:"daemonHost"`
	DaemonPort int    `yaml:"daemonPort"`

	SettleDelay     time.Duration `yaml:"settleDelay"`
	StopTimeout     time.Duration `yaml:"stopTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	FlashTimeout    time.Duration `yaml:"flashTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`

	// Per-line timeout for serial reads.
	ReadTimeout time.Duration `yaml:"readTimeout"`

	// Number of serial lines to capture.
	LineCount int `yaml:"lineCount"`

	SkipFlash bool `yaml:"skipFlash"`

	// Verify that the debug adapter is attached before launching the daemon.
	CheckAdapter bool `yaml:"checkAdapter"`

	// Verify that the daemon executable runs before launching it for real.
	CheckDaemon bool `yaml:"checkDaemon"`

	// Ask the daemon to exit via its control port before terminating it.
	ShutdownDaemon bool `yaml:"shutdownDaemon"`
}

func Default() RunConfig {
	return RunConfig{
		Platform:         DefaultPlatform,
		FirmwareImage:    DefaultFirmwareImage,
		WorkingDirectory: DefaultWorkingDirectory,
		AdapterTable:     DefaultAdapterTable,
		AdapterConfig:    DefaultAdapterConfig,
		SerialPort:       DefaultSerialPort,
		BaudRate:         serialmon.DefaultBaudRate,
		DaemonExecutable: DefaultDaemonExecutable,
		DaemonHost:       ocd.DefaultHost,
		DaemonPort:       ocd.DefaultPort,
		SettleDelay:      supervisor.DefaultSettleDelay,
		StopTimeout:      process.DefaultStopTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		FlashTimeout:     platform.DefaultFlashTimeout,
		WriteTimeout:     platform.DefaultWriteTimeout,
		ReadTimeout:      serialmon.DefaultPerReadTimeout,
		LineCount:        serialmon.DefaultLineCount,
		ShutdownDaemon:   true,
	}
}

// Load builds the configuration from defaults, the optional config file, the optional env file and the process environment.
func Load(configPath, envFilePath string) (RunConfig, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.mergeFile(configPath); err != nil {
			return cfg, err
		}
	}

	if envFilePath != "" {
		if err := LoadEnvFile(envFilePath); err != nil {
			return cfg, err
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

func (cfg *RunConfig) mergeFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("configuration file '%s' does not exist: %w", path, faults.ErrConfigMissing)
	} else if err != nil {
		return fmt.Errorf("could not open configuration file '%s': %w", path, errors.Join(faults.ErrConfigMissing, err))
	}
	defer f.Close()

	return cfg.Merge(f)
}

// Merge overlays the settings present in a YAML document. Settings absent from the document keep their values.
func (cfg *RunConfig) Merge(r io.Reader) error {
	content, readErr := io.ReadAll(r)
	if readErr != nil {
		return fmt.Errorf("could not read configuration: %w", errors.Join(faults.ErrConfigMalformed, readErr))
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("configuration is not valid: %w", errors.Join(faults.ErrConfigMalformed, err))
	}
	return nil
}

// LoadEnvFile adds the variables from a dotenv-style file to the process environment.
// Variables that are already set are not overwritten.
func LoadEnvFile(path string) error {
	if !osutil.FileExists(path) {
		return fmt.Errorf("environment file '%s' does not exist: %w", path, faults.ErrConfigMissing)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("could not load environment file '%s': %w", path, errors.Join(faults.ErrConfigMalformed, err))
	}
	return nil
}

// ApplyEnv overrides settings with SLT_* environment variables that are set.
func (cfg *RunConfig) ApplyEnv() {
	cfg.Platform = osutil.EnvVarStringWithDefault(EnvPlatform, cfg.Platform)
	cfg.FirmwareImage = osutil.EnvVarStringWithDefault(EnvFirmwareImage, cfg.FirmwareImage)
	cfg.WorkingDirectory = osutil.EnvVarStringWithDefault(EnvWorkingDirectory, cfg.WorkingDirectory)
	cfg.AdapterTable = osutil.EnvVarStringWithDefault(EnvAdapterTable, cfg.AdapterTable)
	cfg.AdapterConfig = osutil.EnvVarStringWithDefault(EnvAdapterConfig, cfg.AdapterConfig)
	cfg.SerialPort = osutil.EnvVarStringWithDefault(EnvSerialPort, cfg.SerialPort)
	cfg.BaudRate = uint(osutil.EnvVarIntValWithDefault(EnvBaudRate, int(cfg.BaudRate)))
	cfg.DaemonExecutable = osutil.EnvVarStringWithDefault(EnvDaemonExecutable, cfg.DaemonExecutable)
	cfg.DaemonHost = osutil.EnvVarStringWithDefault(EnvDaemonHost, cfg.DaemonHost)
	cfg.DaemonPort = osutil.EnvVarIntValWithDefault(EnvDaemonPort, cfg.DaemonPort)
	cfg.SettleDelay = osutil.EnvVarDurationValWithDefault(EnvSettleDelay, cfg.SettleDelay)
	cfg.StopTimeout = osutil.EnvVarDurationValWithDefault(EnvStopTimeout, cfg.StopTimeout)
	cfg.FlashTimeout = osutil.EnvVarDurationValWithDefault(EnvFlashTimeout, cfg.FlashTimeout)
	cfg.WriteTimeout = osutil.EnvVarDurationValWithDefault(EnvWriteTimeout, cfg.WriteTimeout)
	cfg.ReadTimeout = osutil.EnvVarDurationValWithDefault(EnvReadTimeout, cfg.ReadTimeout)
	cfg.LineCount = osutil.EnvVarIntValWithDefault(EnvLineCount, cfg.LineCount)
	cfg.SkipFlash = osutil.EnvVarBoolWithDefault(EnvSkipFlash, cfg.SkipFlash)
	cfg.CheckAdapter = osutil.EnvVarBoolWithDefault(EnvCheckAdapter, cfg.CheckAdapter)
	cfg.CheckDaemon = osutil.EnvVarBoolWithDefault(EnvCheckDaemon, cfg.CheckDaemon)
	cfg.ShutdownDaemon = osutil.EnvVarBoolWithDefault(EnvShutdownDaemon, cfg.ShutdownDaemon)
}

// Validate checks that the configuration describes a run that can be attempted.
func (cfg *RunConfig) Validate() error {
	var errs []error

	required := []struct {
		name  string
		value string
	}{
		{"platform", cfg.Platform},
		{"adapter table", cfg.AdapterTable},
		{"adapter configuration", cfg.AdapterConfig},
		{"serial port", cfg.SerialPort},
		{"daemon executable", cfg.DaemonExecutable},
		{"daemon host", cfg.DaemonHost},
		{"working directory", cfg.WorkingDirectory},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s must be specified", r.name))
		}
	}
	if !cfg.SkipFlash && cfg.FirmwareImage == "" {
		errs = append(errs, errors.New("firmware image must be specified unless flashing is skipped"))
	}

	if cfg.DaemonPort <= 0 || cfg.DaemonPort > 65535 {
		errs = append(errs, fmt.Errorf("daemon port %d is not valid", cfg.DaemonPort))
	}
	if cfg.BaudRate == 0 {
		errs = append(errs, errors.New("baud rate must be positive"))
	}
	if cfg.LineCount < 0 {
		errs = append(errs, fmt.Errorf("line count %d must not be negative", cfg.LineCount))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"settle delay", cfg.SettleDelay},
		{"stop timeout", cfg.StopTimeout},
		{"shutdown timeout", cfg.ShutdownTimeout},
		{"flash timeout", cfg.FlashTimeout},
		{"write timeout", cfg.WriteTimeout},
		{"serial read timeout", cfg.ReadTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (is %s)", d.name, d.value))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(faults.ErrConfigMalformed, errors.Join(errs...)))
	}
	return nil
}
