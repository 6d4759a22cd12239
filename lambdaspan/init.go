// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package lambdaspan

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dev7a/otlp-stdout-forwarder/internal/detector"
	"github.com/dev7a/otlp-stdout-forwarder/otlpstdout"
)

// Environment variable names governing TelemetryInit, per spec.md §6.
const (
	EnvProcessorMode = "LAMBDA_EXTENSION_SPAN_PROCESSOR_MODE"
	EnvQueueSize     = "LAMBDA_SPAN_PROCESSOR_QUEUE_SIZE"
	EnvBatchSize     = "LAMBDA_SPAN_PROCESSOR_BATCH_SIZE"
	EnvPropagators   = "OTEL_PROPAGATORS"
	EnvOutputType    = "OTLP_STDOUT_SPAN_EXPORTER_OUTPUT_TYPE"
)

// Config drives TelemetryInit's composition. Zero values fall back to
// ambient environment variables and spec.md §6 defaults.
type Config struct {
	ServiceName string
	Mode        Mode
	QueueSize   int
	BatchSize   int
	Propagators []string // any of tracecontext, xray, xray-lambda, none
	OutputType  string   // "stdout" or "pipe"
	PipePath    string
}

// Telemetry is the handle TelemetryInit returns: the installed
// TracerProvider plus the lifecycle hooks the HostExtension drives.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	Processor      *Processor
	ForceFlush     func(context.Context) error
	Shutdown       func(context.Context) error
}

// Init composes resource detection, the configured exporter, the
// LambdaSpanProcessor and the propagators described by cfg, installs
// them as the global tracer provider and propagator, and returns a
// Telemetry handle, per spec.md §4.3.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithDetectors(
			detector.TelemetrySDK(),
			detector.Host(),
			detector.ServiceName(resolveServiceName(cfg.ServiceName)),
			detector.LambdaFunction(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("lambdaspan: build resource: %w", err)
	}

	exporter := newExporter(cfg)

	mode := cfg.Mode
	if raw := os.Getenv(EnvProcessorMode); raw != "" && cfg.Mode == ModeSync {
		mode = parseMode(raw)
	}

	processor := NewProcessor(exporter, mode)
	processor.Capacity = resolveIntEnv(EnvQueueSize, cfg.QueueSize, DefaultQueueSize)
	processor.BatchSize = resolveIntEnv(EnvBatchSize, cfg.BatchSize, DefaultBatchSize)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
	)
	otel.SetTracerProvider(tp)

	propagators := cfg.Propagators
	if len(propagators) == 0 {
		propagators = parsePropagatorList(os.Getenv(EnvPropagators))
	}
	otel.SetTextMapPropagator(buildPropagator(propagators))

	return &Telemetry{
		TracerProvider: tp,
		Processor:      processor,
		ForceFlush:     processor.ForceFlush,
		Shutdown:       tp.Shutdown,
	}, nil
}

func newExporter(cfg Config) *otlpstdout.Exporter {
	outputType := cfg.OutputType
	if outputType == "" {
		outputType = os.Getenv(EnvOutputType)
	}
	if outputType == "pipe" {
		path := cfg.PipePath
		if path == "" {
			path = otlpstdout.DefaultPipePath
		}
		return otlpstdout.NewPipe(path)
	}
	return otlpstdout.NewStdout()
}

func resolveServiceName(name string) string {
	if name != "" {
		return name
	}
	if v := os.Getenv(otlpstdout.EnvServiceName); v != "" {
		return v
	}
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
}

func resolveIntEnv(name string, explicit, fallback int) int {
	if explicit > 0 {
		return explicit
	}
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func parseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "async":
		return ModeAsync
	case "finalize":
		return ModeFinalize
	default:
		return ModeSync
	}
}

func parsePropagatorList(raw string) []string {
	if raw == "" {
		return []string{"tracecontext"}
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildPropagator composes the tagged-union propagator list described
// in spec.md §9: tracecontext | xray | xray-lambda | none.
func buildPropagator(names []string) propagation.TextMapPropagator {
	var props []propagation.TextMapPropagator
	for _, name := range names {
		switch name {
		case "none":
			return propagation.NewCompositeTextMapPropagator()
		case "xray":
			props = append(props, XRayPropagator{})
		case "xray-lambda":
			props = append(props, XRayPropagator{FallbackToEnv: true})
		case "tracecontext":
			props = append(props, propagation.TraceContext{})
		}
	}
	if len(props) == 0 {
		props = append(props, propagation.TraceContext{})
	}
	return propagation.NewCompositeTextMapPropagator(props...)
}
