// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package otlpforwarder provides the self-instrumentation bootstrap
// shared by the forwarder Lambda handler and the livetrace CLI: a
// structured logger and, optionally, a real OpenTelemetry tracer/logger
// provider describing the forwarding pipeline's own behavior (not the
// telemetry it forwards).
package otlpforwarder

import (
	"context"
	"log/slog"
	"os"

	"github.com/dev7a/otlp-stdout-forwarder/internal/detector"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// SelfTelemetryEndpointEnvVar, when set, enables self-instrumentation:
// the forwarder/CLI emit their own traces and logs about their own
// operation (queue drops, dispatch failures, discovery results) to this
// OTLP/HTTP endpoint, independent of the spans they are forwarding.
const SelfTelemetryEndpointEnvVar = "OTLP_FORWARDER_SELF_OTLP_ENDPOINT"

// Telemetry holds the process-wide providers constructed by Bootstrap.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	Shutdown       func(context.Context) error
}

// Bootstrap detects the process resource and, if SelfTelemetryEndpointEnvVar
// is set, wires a real OTLP/HTTP tracer and logger provider; otherwise it
// installs no-op providers so instrumentation calls remain cheap no-ops.
// Mirrors the teacher's own initTracerProvider/initLogProvider split in
// humus.go, simplified to a single exporter family (HTTP, not gRPC) since
// the forwarder runs inside constrained FaaS sandboxes where gRPC
// connection setup cost is harder to amortize than for long-lived servers.
func Bootstrap(ctx context.Context, serviceName string) (*Telemetry, error) {
	endpoint := os.Getenv(SelfTelemetryEndpointEnvVar)
	if endpoint == "" {
		tp := tracenoop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return &Telemetry{
			TracerProvider: tp,
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.Detect(
		ctx,
		detector.TelemetrySDK(),
		detector.Host(),
		detector.ServiceName(serviceName),
		detector.LambdaFunction(),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(tp)

	logExp, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
	)
	global.SetLoggerProvider(lp)

	return &Telemetry{
		TracerProvider: tp,
		Shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
			return lp.Shutdown(ctx)
		},
	}, nil
}

// Logger returns a structured logger for name. When self-instrumentation
// is enabled (SelfTelemetryEndpointEnvVar set), records are bridged to
// the OTel log pipeline via otelslog; otherwise it's a plain JSON logger
// to stderr, matching humus.go's own "fallbackLogger" shape.
func Logger(name string) *slog.Logger {
	if os.Getenv(SelfTelemetryEndpointEnvVar) == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(slog.String("logger", name))
	}
	return otelslog.NewLogger(name)
}
