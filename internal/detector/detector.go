// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package detector provides OpenTelemetry resource detectors used to
// build the process-wide Resource shared by every span the exporter
// writes.
package detector

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type telemetrySDK struct{}

// TelemetrySDK reports the OpenTelemetry SDK name, language and version.
func TelemetrySDK() resource.Detector {
	return telemetrySDK{}
}

func (telemetrySDK) Detect(context.Context) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.TelemetrySDKName("opentelemetry"),
		semconv.TelemetrySDKLanguageGo,
		semconv.TelemetrySDKVersion(sdk.Version()),
	), nil
}

// Host reports the host name.
func Host() resource.Detector {
	return resource.StringDetector(semconv.SchemaURL, semconv.HostNameKey, os.Hostname)
}

// ServiceName reports name, falling back to the running executable's
// base name when name is empty.
func ServiceName(name string) resource.Detector {
	return resource.StringDetector(semconv.SchemaURL, semconv.ServiceNameKey, func() (string, error) {
		if len(name) > 0 {
			return name, nil
		}
		executable, err := os.Executable()
		if err != nil {
			return "unknown_service:go", nil
		}
		return "unknown_service:" + filepath.Base(executable), nil
	})
}

// ServiceVersion reports version verbatim.
func ServiceVersion(version string) resource.Detector {
	return resource.StringDetector(semconv.SchemaURL, semconv.ServiceVersionKey, func() (string, error) {
		return version, nil
	})
}

// lambdaFunction detects faas.* attributes from the standard Lambda
// runtime environment variables. Absent outside Lambda (attributes are
// simply omitted), matching spec.md §3's Resource definition
// ("service name, cloud region, faas.name, faas.version, faas.max_memory").
type lambdaFunction struct{}

// LambdaFunction returns a detector contributing faas.name, faas.version,
// faas.max_memory and cloud.region attributes from the Lambda runtime
// environment, when present.
func LambdaFunction() resource.Detector {
	return lambdaFunction{}
}

func (lambdaFunction) Detect(context.Context) (*resource.Resource, error) {
	var attrs []attribute.KeyValue

	if name := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); name != "" {
		attrs = append(attrs, semconv.FaaSName(name))
	}
	if version := os.Getenv("AWS_LAMBDA_FUNCTION_VERSION"); version != "" {
		attrs = append(attrs, semconv.FaaSVersion(version))
	}
	if memStr := os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"); memStr != "" {
		if mem, err := strconv.Atoi(memStr); err == nil {
			attrs = append(attrs, semconv.FaaSMaxMemoryKey.Int(mem))
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		attrs = append(attrs, semconv.CloudRegion(region))
	}

	if len(attrs) == 0 {
		return resource.Empty(), nil
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...), nil
}
