/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hil-tools/slt/internal/faults"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "stm32", cfg.Platform)
	require.Equal(t, 4444, cfg.DaemonPort)
	require.Equal(t, 30, cfg.LineCount)
	require.Equal(t, 10*time.Second, cfg.ReadTimeout)
	require.Equal(t, 2*time.Second, cfg.SettleDelay)
	require.True(t, cfg.ShutdownDaemon)
}

func TestMergeOverlaysOnlyPresentSettings(t *testing.T) {
	t.Parallel()

	cfg := Default()
	doc := `
platform: stm32
serialPort: /dev/ttyACM0
daemonArgs: ["-d2"]
flashTimeout: 45s
lineCount: 5
skipFlash: true
`
	require.NoError(t, cfg.Merge(strings.NewReader(doc)))

	want := Default()
	want.SerialPort = "/dev/ttyACM0"
	want.DaemonArgs = []string{"-d2"}
	want.FlashTimeout = 45 * time.Second
	want.LineCount = 5
	want.SkipFlash = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("merged configuration mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, cfg.Merge(strings.NewReader("  \n")))
	require.Equal(t, "/dev/ttyACM0", cfg.SerialPort)
}

func TestMergeRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.Merge(strings.NewReader("serialPortt: /dev/ttyACM0\n"))
	require.ErrorIs(t, err, faults.ErrConfigMalformed)

	err = cfg.Merge(strings.NewReader("lineCount: many\n"))
	require.ErrorIs(t, err, faults.ErrConfigMalformed)
}

func TestLoadMissingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "slt.yaml"), "")
	require.ErrorIs(t, err, faults.ErrConfigMissing)
	require.True(t, faults.IsConfigError(err))

	_, err = Load("", filepath.Join(dir, "slt.env"))
	require.ErrorIs(t, err, faults.ErrConfigMissing)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "slt.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("serialPort: /dev/ttyACM0\nlineCount: 5\n"), 0600))

	t.Setenv(EnvSerialPort, "/dev/ttyUSB7")
	t.Setenv(EnvFlashTimeout, "1m")
	t.Setenv(EnvSkipFlash, "yes")
	t.Setenv(EnvDaemonPort, "not-a-number")

	cfg, err := Load(configPath, "")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB7", cfg.SerialPort)
	require.Equal(t, 5, cfg.LineCount)
	require.Equal(t, time.Minute, cfg.FlashTimeout)
	require.True(t, cfg.SkipFlash)
	require.Equal(t, 4444, cfg.DaemonPort, "invalid values should be ignored")
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "slt.env")
	require.NoError(t, os.WriteFile(envPath, []byte("SLT_PLATFORM=stm32-envfile\nSLT_LINE_COUNT=12\n"), 0600))

	t.Setenv(EnvPlatform, "stm32-env")
	t.Cleanup(func() { _ = os.Unsetenv(EnvLineCount) })

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	require.Equal(t, "stm32-env", cfg.Platform)
	require.Equal(t, 12, cfg.LineCount)
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.SerialPort = ""
	cfg.FirmwareImage = ""
	cfg.DaemonPort = 70000
	cfg.FlashTimeout = 0
	cfg.LineCount = -1

	err := cfg.Validate()
	require.ErrorIs(t, err, faults.ErrConfigMalformed)
	for _, fragment := range []string{"serial port", "firmware image", "70000", "flash timeout", "line count"} {
		require.Contains(t, err.Error(), fragment)
	}

	cfg = Default()
	cfg.FirmwareImage = ""
	cfg.SkipFlash = true
	require.NoError(t, cfg.Validate())
}
