/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/hil-tools/slt/internal/faults"
	"github.com/hil-tools/slt/internal/version"
	"github.com/hil-tools/slt/pkg/logger"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	log := logger.NewWithOutput("slt-test", zapcore.AddSync(io.Discard))
	root, err := NewRootCmd(log)
	require.NoError(t, err)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	type testcase struct {
		err      error
		expected int
	}

	testcases := []testcase{
		{nil, ExitSuccess},
		{fmt.Errorf("table: %w", faults.ErrConfigMissing), ExitSetup},
		{fmt.Errorf("no driver: %w", faults.ErrPlatformUnknown), ExitSetup},
		{errors.Join(ErrUsage, errors.New("unknown flag")), ExitSetup},
		{fmt.Errorf("flash: %w", faults.ErrProtocolTimeout), ExitRunFailed},
		{errors.New("something odd"), ExitRunFailed},
		{fmt.Errorf("interrupted: %w", context.Canceled), ExitSuccess},
		{errors.Join(fmt.Errorf("interrupted: %w", context.Canceled), faults.ErrCleanup), ExitCleanupFailed},
		{errors.Join(faults.ErrProtocolTimeout, faults.ErrCleanup), ExitCleanupFailed},
	}

	for _, tc := range testcases {
		require.Equal(t, tc.expected, ExitCode(tc.err), "error: %v", tc.err)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := executeRoot(t, "version")
	require.NoError(t, err)

	var v version.VersionOutput
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.Equal(t, version.DevelopmentVersion, v.Version)
}

func TestPlatformsCommand(t *testing.T) {
	t.Parallel()

	out, err := executeRoot(t, "platforms")
	require.NoError(t, err)
	require.Contains(t, out, "stm32\t-f target/stm32f4x.cfg")
}

func TestAdapterLookupCommand(t *testing.T) {
	t.Parallel()

	table := filepath.Join(t.TempDir(), "adapter_mapping.csv")
	require.NoError(t, os.WriteFile(table, []byte("platform;vid;pid\nstm32;0x0403;0x6010\n"), 0600))

	out, err := executeRoot(t, "adapter", "lookup", "stm32", "--adapter-table", table)
	require.NoError(t, err)
	require.Equal(t, "0x0403 0x6010\n", out)

	_, err = executeRoot(t, "adapter", "lookup", "esp32", "--adapter-table", table)
	require.ErrorIs(t, err, faults.ErrPlatformUnknown)
	require.Equal(t, ExitSetup, ExitCode(err))
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	t.Parallel()

	_, err := executeRoot(t, "run", "--no-such-flag")
	require.ErrorIs(t, err, ErrUsage)
	require.Equal(t, ExitSetup, ExitCode(err))
}

func TestRunFlagsOverrideConfigFile(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "slt.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("serialPort: /dev/ttyACM0\nlineCount: 5\nflashTimeout: 45s\n"), 0600))

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags := &runFlagData{}
	addRunFlags(fs, flags)
	require.NoError(t, fs.Parse([]string{"--config", configPath, "--lines", "7", "--skip-flash", "--openocd-arg", "-d2", "--openocd-arg", "-s/opt/scripts"}))

	cfg, err := resolveRunConfig(fs, flags)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM0", cfg.SerialPort, "file settings should be kept when no flag overrides them")
	require.Equal(t, 7, cfg.LineCount)
	require.Equal(t, 45*time.Second, cfg.FlashTimeout)
	require.True(t, cfg.SkipFlash)
	require.Equal(t, []string{"-d2", "-s/opt/scripts"}, cfg.DaemonArgs)
}
