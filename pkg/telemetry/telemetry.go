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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/hil-tools/slt"

type TelemetrySystem struct {
	TracerProvider *sdktrace.TracerProvider
	spanExporter   sdktrace.SpanExporter

	// Destination of exported spans, closed on shutdown. Nil if the exporter owns no file.
	output *os.File
}

// Creates the tracer provider and installs it as the global one.
// Spans are written to the diagnostics log folder when debug diagnostics are enabled, and discarded otherwise.
func NewTelemetrySystem(name string) (TelemetrySystem, error) {
	spanExp, output, err := newTraceExporter(name)
	if err != nil {
		return TelemetrySystem{}, fmt.Errorf("could not create trace exporter: %w", err)
	}

	ts := NewTelemetrySystemWithExporter(spanExp)
	ts.output = output
	return ts, nil
}

func NewTelemetrySystemWithExporter(spanExp sdktrace.SpanExporter) TelemetrySystem {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(spanExp),
	)

	otel.SetTracerProvider(tp)

	return TelemetrySystem{
		TracerProvider: tp,
		spanExporter:   spanExp,
	}
}

func (ts TelemetrySystem) Shutdown(ctx context.Context) error {
	err := errors.Join(
		ts.TracerProvider.Shutdown(ctx),
		ts.spanExporter.Shutdown(ctx),
	)
	if ts.output != nil {
		err = errors.Join(err, ts.output.Close())
	}
	return err
}

// Returns a tracer from the global tracer provider.
func GetTracer(component string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName + "/" + component)
}

func CallWithTelemetry[TResult any](tracer trace.Tracer, spanName string, parentCtx context.Context, fn func(ctx context.Context) (TResult, error)) (TResult, error) {
	spanCtx, span := tracer.Start(parentCtx, spanName)
	defer span.End()

	result, err := fn(spanCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func CallWithTelemetryNoResult(tracer trace.Tracer, spanName string, parentCtx context.Context, fn func(ctx context.Context) error) error {
	_, err := CallWithTelemetry(tracer, spanName, parentCtx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func SetAttribute(ctx context.Context, key string, value interface{}) {
	span := trace.SpanFromContext(ctx)

	switch v := value.(type) {
	case int:
		span.SetAttributes(attribute.Int(key, v))
	case int64:
		span.SetAttributes(attribute.Int64(key, v))
	case bool:
		span.SetAttributes(attribute.Bool(key, v))
	case float64:
		span.SetAttributes(attribute.Float64(key, v))
	case string:
		span.SetAttributes(attribute.String(key, v))
	default:
		span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func AddEvent(ctx context.Context, name string, options ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, options...)
}
