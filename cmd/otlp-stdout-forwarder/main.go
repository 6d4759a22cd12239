// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command otlp-stdout-forwarder is the Lambda handler that receives
// batches of CloudWatch Logs subscription-filter events and forwards
// the envelope records they carry to the configured collectors, per
// spec.md §4.8.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dev7a/otlp-stdout-forwarder/collector"
	"github.com/dev7a/otlp-stdout-forwarder/forwarder"
	"github.com/dev7a/otlp-stdout-forwarder/hostext"
	"github.com/dev7a/otlp-stdout-forwarder/lambdaspan"
	"github.com/dev7a/otlp-stdout-forwarder/sigv4"
)

// app holds the process-wide, cold-start-initialized dependencies
// shared across invocations, matching the teacher's pattern of
// building expensive clients once outside the handler closure.
type app struct {
	telemetry *lambdaspan.Telemetry
	pipeline  *forwarder.Pipeline
	runner    *hostext.Runner
	log       *slog.Logger
}

func main() {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		slog.Error("failed to initialize forwarder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if a.runner != nil {
		go func() {
			if err := a.runner.Run(context.Background()); err != nil {
				a.log.Error("extension runner exited", slog.String("error", err.Error()))
			}
		}()
	}

	lambda.Start(a.handle)
}

func newApp(ctx context.Context) (*app, error) {
	log := slog.Default()

	serviceName := os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	telemetry, err := lambdaspan.Init(ctx, lambdaspan.Config{ServiceName: serviceName})
	if err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	registry, err := collector.Load(ctx, secretsmanager.NewFromConfig(awsCfg), os.Getenv("COLLECTORS_SECRET_ARN"), log)
	if err != nil {
		return nil, err
	}

	signer, err := sigv4.New(ctx)
	if err != nil {
		return nil, err
	}

	pipeline := &forwarder.Pipeline{
		HTTPClient: http.DefaultClient,
		Registry:   registry,
		Signer:     signer,
		Log:        log,
	}

	a := &app{telemetry: telemetry, pipeline: pipeline, log: log}

	if os.Getenv(lambdaspan.EnvProcessorMode) == "async" {
		client, err := hostext.NewClient("otlp-stdout-forwarder")
		if err != nil {
			log.Warn("host extension unavailable; running without async flush", slog.String("error", err.Error()))
			return a, nil
		}
		if err := client.Register(ctx, []hostext.EventType{hostext.EventInvoke, hostext.EventShutdown}); err != nil {
			log.Warn("host extension registration failed; running without async flush", slog.String("error", err.Error()))
			return a, nil
		}
		a.runner = hostext.NewRunner(client, telemetryAdapter{telemetry})
	}

	return a, nil
}

// telemetryAdapter adapts lambdaspan.Telemetry's function fields to
// hostext.Telemetry's method set.
type telemetryAdapter struct {
	t *lambdaspan.Telemetry
}

func (a telemetryAdapter) ForceFlush(ctx context.Context) error { return a.t.ForceFlush(ctx) }
func (a telemetryAdapter) Shutdown(ctx context.Context) error   { return a.t.Shutdown(ctx) }

func (a *app) handle(ctx context.Context, event events.CloudwatchLogsEvent) error {
	data, err := event.AWSLogs.Parse()
	if err != nil {
		a.log.ErrorContext(ctx, "failed to decode cloudwatch logs payload", slog.String("error", err.Error()))
		return err
	}

	lines := make([][]byte, 0, len(data.LogEvents))
	for _, le := range data.LogEvents {
		lines = append(lines, []byte(le.Message))
	}

	result, err := a.pipeline.Process(ctx, lines)
	a.log.InfoContext(ctx, "processed batch",
		slog.Int("decoded", result.Decoded),
		slog.Int("dropped", result.Dropped),
		slog.Int("dispatched", result.Dispatched),
		slog.Int("failed", result.Failed),
	)
	if a.runner != nil {
		a.runner.SignalHandlerComplete()
	}
	return err
}
