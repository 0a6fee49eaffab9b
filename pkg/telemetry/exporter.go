/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zapcore"

	"github.com/hil-tools/slt/pkg/logger"
	"github.com/hil-tools/slt/pkg/osutil"
)

// Returns the span exporter and the file it writes to (nil when spans are discarded).
// The exporter does not close the file.
func newTraceExporter(name string) (sdktrace.SpanExporter, *os.File, error) {
	logLevel, err := logger.GetDiagnosticsLogLevel()
	if err != nil || logLevel > zapcore.DebugLevel {
		return discardExporter{}, nil, nil
	}

	logFolder, err := logger.EnsureDiagnosticsLogsFolder()
	if err != nil {
		return nil, nil, err
	}

	telemetryFileName := fmt.Sprintf("telemetry-%s-%d-%d.json", name, time.Now().Unix(), os.Getpid())
	telemetryFile, err := os.OpenFile(filepath.Join(logFolder, telemetryFileName), os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_TRUNC, osutil.PermissionOnlyOwnerReadWrite)
	if err != nil {
		return nil, nil, err
	}

	spanExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(telemetryFile))
	if err != nil {
		return nil, nil, errors.Join(err, telemetryFile.Close())
	}
	return spanExp, telemetryFile, nil
}

type discardExporter struct{}

func (discardExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (discardExporter) Shutdown(ctx context.Context) error {
	return nil
}
